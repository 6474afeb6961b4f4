package gasprice

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/getsentry/sentry-go"
	"github.com/go-resty/resty/v2"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/units"
)

var (
	ErrGasPriceTooLow = errors.New("gas price too low")
	ErrNoBaseFee      = errors.New("block does not have baseFeePerGas")
)

const (
	DefaultValidity = 10 * time.Second

	feeHistoryBlocks     = 10
	feeHistoryPercentile = 20
	// base fee headroom on top of the latest block, in percent
	baseFeeMultiplier = 120
)

type Config struct {
	ChainID *big.Int
	// Legacy prices transactions with gasPrice only
	Legacy bool
	// BumpMultiplier in percent; zero picks the chain default
	BumpMultiplier int64
	// Validity is how long a price sample is trusted, one sample per second
	Validity time.Duration
	// GasStationURL overrides the Polygon gas station endpoint
	GasStationURL string
	Timeout       time.Duration
}

// Oracle fetches fee parameters and remembers the recent ones to reject user
// operations paying less than the network asked for a moment ago.
type Oracle struct {
	client chainio.ChainClient
	http   *resty.Client
	config Config

	chainID        int64
	bumpMultiplier int64

	mu          sync.Mutex
	maxFees     *window
	priorityFee *window
	baseFees    *window

	now    func() time.Time
	logger sdklogging.Logger
}

func New(client chainio.ChainClient, config Config, logger sdklogging.Logger) *Oracle {
	if config.Validity <= 0 {
		config.Validity = DefaultValidity
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	chainID := config.ChainID.Int64()
	bump := config.BumpMultiplier
	if bump <= 0 {
		bump = BumpMultiplier(chainID)
	}
	if config.GasStationURL == "" && isPolygon(chainID) {
		config.GasStationURL = gasStationURL(chainID)
	}

	return &Oracle{
		client:         client,
		http:           resty.New().SetTimeout(config.Timeout),
		config:         config,
		chainID:        chainID,
		bumpMultiplier: bump,
		maxFees:        newWindow(config.Validity),
		priorityFee:    newWindow(config.Validity),
		baseFees:       newWindow(config.Validity),
		now:            time.Now,
		logger:         logger,
	}
}

// GetGasPrice fetches the current fee parameters with the chain bump applied
// and records them in the validation window
func (o *Oracle) GetGasPrice(ctx context.Context) (*model.GasPriceParameters, error) {
	price, err := o.fetch(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	now := o.now()
	o.maxFees.push(price.MaxFeePerGas, now)
	o.priorityFee.push(price.MaxPriorityFeePerGas, now)
	o.mu.Unlock()

	return price, nil
}

func (o *Oracle) fetch(ctx context.Context) (*model.GasPriceParameters, error) {
	if isPolygon(o.chainID) {
		station, err := o.gasStationPrice(ctx)
		if err == nil {
			return o.bump(station), nil
		}
		o.logger.Error("failed to get gas price from gas station, using node estimate", "error", err)
	}

	if o.config.Legacy {
		price, err := o.legacyPrice(ctx)
		if err != nil {
			return nil, err
		}
		return o.bump(price), nil
	}

	estimated, err := o.estimate(ctx)
	if err != nil {
		return nil, err
	}
	bumped := o.bump(estimated)
	return &model.GasPriceParameters{
		MaxFeePerGas:         eip1559.Max(bumped.MaxFeePerGas, estimated.MaxFeePerGas),
		MaxPriorityFeePerGas: eip1559.Max(bumped.MaxPriorityFeePerGas, estimated.MaxPriorityFeePerGas),
	}, nil
}

type gasStationTier struct {
	MaxPriorityFee float64 `json:"maxPriorityFee"`
	MaxFee         float64 `json:"maxFee"`
}

type gasStationResponse struct {
	SafeLow  gasStationTier `json:"safeLow"`
	Standard gasStationTier `json:"standard"`
	Fast     gasStationTier `json:"fast"`
}

func (o *Oracle) gasStationPrice(ctx context.Context) (*model.GasPriceParameters, error) {
	var body gasStationResponse
	resp, err := o.http.R().SetContext(ctx).SetResult(&body).Get(o.config.GasStationURL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gas station returned %s", resp.Status())
	}
	if body.Fast.MaxFee <= 0 {
		return nil, errors.New("gas station returned no fast tier")
	}

	return &model.GasPriceParameters{
		MaxFeePerGas:         units.GweiToWei(body.Fast.MaxFee),
		MaxPriorityFeePerGas: units.GweiToWei(body.Fast.MaxPriorityFee),
	}, nil
}

func (o *Oracle) legacyPrice(ctx context.Context) (*model.GasPriceParameters, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	gasPrice, err := o.client.SuggestGasPrice(ctx)
	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("fetch legacy gas price: %w", err)
	}
	return &model.GasPriceParameters{
		MaxFeePerGas:         gasPrice,
		MaxPriorityFeePerGas: new(big.Int).Set(gasPrice),
	}, nil
}

// estimate derives EIP-1559 fees from the node. A missing tip falls back to
// the fee history, a missing base fee to the predicted next base fee.
func (o *Oracle) estimate(ctx context.Context) (*model.GasPriceParameters, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	var maxFee *big.Int
	tip, tipErr := o.client.SuggestGasTipCap(ctx)
	header, headErr := o.client.HeaderByNumber(ctx, nil)
	if headErr == nil && header.BaseFee != nil && tipErr == nil {
		maxFee = eip1559.ScalePercent(header.BaseFee, baseFeeMultiplier)
		maxFee.Add(maxFee, tip)
	}

	if tipErr != nil {
		sentry.CaptureException(tipErr)
		o.logger.Warn("maxPriorityFeePerGas is unavailable, using fee history", "error", tipErr)

		var err error
		tip, err = o.feeHistoryTip(ctx, maxFee)
		if err != nil {
			sentry.CaptureException(err)
			return nil, fmt.Errorf("estimate maxPriorityFeePerGas: %w", err)
		}
	}

	if maxFee == nil {
		o.logger.Warn("maxFeePerGas is unavailable, using next base fee", "error", headErr)
		next, err := o.nextBaseFee(ctx)
		if err != nil {
			sentry.CaptureException(err)
			return nil, fmt.Errorf("estimate maxFeePerGas: %w", err)
		}
		maxFee = next.Add(next, tip)
	}

	if tip.Sign() == 0 {
		tip = new(big.Int).Div(maxFee, big.NewInt(200))
	}

	return &model.GasPriceParameters{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// feeHistoryTip averages the 20th percentile reward of the last blocks, capped
// at maxFee when it is known
func (o *Oracle) feeHistoryTip(ctx context.Context, maxFee *big.Int) (*big.Int, error) {
	history, err := o.client.FeeHistory(ctx, feeHistoryBlocks, nil, []float64{feeHistoryPercentile})
	if err != nil {
		return nil, err
	}
	// the caller falls back to a share of maxFee
	if len(history.Reward) == 0 {
		return new(big.Int), nil
	}

	sum := new(big.Int)
	for _, rewards := range history.Reward {
		if len(rewards) > 0 && rewards[0] != nil {
			sum.Add(sum, rewards[0])
		}
	}
	avg := sum.Div(sum, big.NewInt(int64(len(history.Reward))))

	if maxFee != nil {
		return eip1559.Min(avg, maxFee), nil
	}
	return avg, nil
}

func (o *Oracle) nextBaseFee(ctx context.Context) (*big.Int, error) {
	header, err := o.client.HeaderByNumber(ctx, nil)
	if err == nil && header.BaseFee != nil {
		return eip1559.NextBaseFee(header), nil
	}

	gasPrice, err := o.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return gasPrice, nil
}

func (o *Oracle) bump(p *model.GasPriceParameters) *model.GasPriceParameters {
	priority := eip1559.Max(p.MaxPriorityFeePerGas, minPriorityFee(o.chainID))
	maxFee := eip1559.Max(p.MaxFeePerGas, priority)

	result := &model.GasPriceParameters{
		MaxFeePerGas:         eip1559.ScalePercent(maxFee, o.bumpMultiplier),
		MaxPriorityFeePerGas: eip1559.ScalePercent(priority, o.bumpMultiplier),
	}

	if isCelo(o.chainID) {
		fee := eip1559.Max(result.MaxFeePerGas, result.MaxPriorityFeePerGas)
		return &model.GasPriceParameters{MaxFeePerGas: fee, MaxPriorityFeePerGas: new(big.Int).Set(fee)}
	}

	if floor := minFee(o.chainID); floor != nil {
		result.MaxFeePerGas = eip1559.Max(result.MaxFeePerGas, floor)
		result.MaxPriorityFeePerGas = eip1559.Max(result.MaxPriorityFeePerGas, floor)
	}

	return result
}

// GetBaseFee reads the base fee of the latest block and records it
func (o *Oracle) GetBaseFee(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	header, err := o.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if header.BaseFee == nil {
		return nil, ErrNoBaseFee
	}

	o.mu.Lock()
	o.baseFees.push(header.BaseFee, o.now())
	o.mu.Unlock()

	return new(big.Int).Set(header.BaseFee), nil
}

// GetMaxBaseFeePerGas is the highest base fee seen within the validity window
func (o *Oracle) GetMaxBaseFeePerGas(ctx context.Context) (*big.Int, error) {
	o.mu.Lock()
	v, ok := o.baseFees.max(o.now())
	o.mu.Unlock()
	if ok {
		return v, nil
	}

	return o.GetBaseFee(ctx)
}

// MinGasPrice returns the lowest fees seen within the validity window. A stale
// window is refilled by fetching the current price first.
func (o *Oracle) MinGasPrice(ctx context.Context) (*model.GasPriceParameters, error) {
	o.mu.Lock()
	now := o.now()
	maxFee, okFee := o.maxFees.min(now)
	priority, okPriority := o.priorityFee.min(now)
	o.mu.Unlock()

	if okFee && okPriority {
		return &model.GasPriceParameters{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}, nil
	}

	if _, err := o.GetGasPrice(ctx); err != nil {
		return nil, fmt.Errorf("refresh gas price: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	now = o.now()
	maxFee, _ = o.maxFees.min(now)
	priority, _ = o.priorityFee.min(now)
	return &model.GasPriceParameters{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}, nil
}

// ValidateGasPrice rejects fees below the lowest price of the window
func (o *Oracle) ValidateGasPrice(ctx context.Context, price *model.GasPriceParameters) error {
	lowest, err := o.MinGasPrice(ctx)
	if err != nil {
		return err
	}

	if price.MaxFeePerGas == nil || price.MaxFeePerGas.Cmp(lowest.MaxFeePerGas) < 0 {
		return fmt.Errorf("%w: maxFeePerGas must be at least %s (current maxFeePerGas: %v)",
			ErrGasPriceTooLow, lowest.MaxFeePerGas, price.MaxFeePerGas)
	}
	if price.MaxPriorityFeePerGas == nil || price.MaxPriorityFeePerGas.Cmp(lowest.MaxPriorityFeePerGas) < 0 {
		return fmt.Errorf("%w: maxPriorityFeePerGas must be at least %s (current maxPriorityFeePerGas: %v)",
			ErrGasPriceTooLow, lowest.MaxPriorityFeePerGas, price.MaxPriorityFeePerGas)
	}
	return nil
}
