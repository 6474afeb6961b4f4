package bundler

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/AvaProtocol/ap-bundler/core/auth"
	"github.com/AvaProtocol/ap-bundler/core/executor"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/version"
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type HttpErrorResp struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// UserOperationRequest is the hex encoded wire form of a v0.6 user operation
type UserOperationRequest struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (r *UserOperationRequest) UserOperation() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               r.Sender,
		Nonce:                (*big.Int)(r.Nonce),
		InitCode:             r.InitCode,
		CallData:             r.CallData,
		CallGasLimit:         (*big.Int)(r.CallGasLimit),
		VerificationGasLimit: (*big.Int)(r.VerificationGasLimit),
		PreVerificationGas:   (*big.Int)(r.PreVerificationGas),
		MaxFeePerGas:         (*big.Int)(r.MaxFeePerGas),
		MaxPriorityFeePerGas: (*big.Int)(r.MaxPriorityFeePerGas),
		PaymasterAndData:     r.PaymasterAndData,
		Signature:            r.Signature,
	}
}

type bundlingModeRequest struct {
	Mode string `json:"mode"`
}

// requireRole rejects requests whose bearer key lacks role
func (b *Bundler) requireRole(role auth.ApiRole) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := auth.VerifyAuthHeader(b.config.JwtSecret, c.Request().Header.Get(echo.HeaderAuthorization), role)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, &HttpErrorResp{Message: err.Error()})
			}
			c.Set("subject", claims.Subject)
			return next(c)
		}
	}
}

// errorResponse maps admission errors to 400 with their JSON-RPC code
func errorResponse(c echo.Context, err error) error {
	var admission *AdmissionError
	if errors.As(err, &admission) {
		return c.JSON(http.StatusBadRequest, &HttpErrorResp{Code: admission.Code, Message: admission.Error()})
	}
	var rep *reputation.Error
	if errors.As(err, &rep) {
		return c.JSON(http.StatusBadRequest, &HttpErrorResp{Code: rep.Code, Message: rep.Error()})
	}
	return c.JSON(http.StatusInternalServerError, &HttpErrorResp{Message: err.Error()})
}

func (b *Bundler) newHttpServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		return c.String(http.StatusOK, "up")
	})

	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]string]{
			Data: map[string]string{"version": version.Get(), "revision": version.Commit()},
		})
	})

	e.POST("/userop", func(c echo.Context) error {
		req := &UserOperationRequest{}
		if err := c.Bind(req); err != nil {
			return c.JSON(http.StatusBadRequest, &HttpErrorResp{Code: CodeInvalidFields, Message: err.Error()})
		}

		hash, err := b.Submit(c.Request().Context(), req.UserOperation())
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[common.Hash]{Data: hash})
	})

	e.GET("/status/:hash", func(c echo.Context) error {
		raw, err := hexutil.Decode(c.Param("hash"))
		if err != nil || len(raw) != common.HashLength {
			return c.JSON(http.StatusBadRequest, &HttpErrorResp{Message: "invalid userOpHash"})
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[model.UserOpStatus]{Data: b.GetStatus(common.BytesToHash(raw))})
	})

	debug := e.Group("/debug")

	debug.GET("/mempool/:store", func(c echo.Context) error {
		entries, err := b.DumpMempool(c.Param("store"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, &HttpErrorResp{Message: err.Error()})
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[any]{Data: entries})
	})

	debug.GET("/reputation", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[[]reputation.Entry]{Data: b.DumpReputation()})
	})

	requireAdmin := b.requireRole(auth.AdminRole)

	debug.POST("/reputation", func(c echo.Context) error {
		var entries []reputation.Entry
		if err := c.Bind(&entries); err != nil {
			return c.JSON(http.StatusBadRequest, &HttpErrorResp{Message: err.Error()})
		}
		b.SetReputation(entries)
		return c.JSON(http.StatusOK, &HttpJsonResp[[]reputation.Entry]{Data: b.DumpReputation()})
	}, requireAdmin)

	debug.POST("/bundle-now", func(c echo.Context) error {
		hash, err := b.ForceBundleNow(c.Request().Context())
		if errors.Is(err, executor.ErrNoOpsToBundle) {
			return c.JSON(http.StatusConflict, &HttpErrorResp{Message: err.Error()})
		}
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[common.Hash]{Data: hash})
	}, requireAdmin)

	debug.POST("/bundling-mode", func(c echo.Context) error {
		req := &bundlingModeRequest{}
		if err := c.Bind(req); err != nil {
			return c.JSON(http.StatusBadRequest, &HttpErrorResp{Message: err.Error()})
		}
		if err := b.SetBundlingMode(req.Mode); err != nil {
			return c.JSON(http.StatusBadRequest, &HttpErrorResp{Message: err.Error()})
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[string]{Data: b.BundlingMode()})
	}, requireAdmin)

	// ?scope=reputation leaves the mempool alone
	debug.POST("/clear-state", func(c echo.Context) error {
		if c.QueryParam("scope") == "reputation" {
			b.ClearReputation()
			return c.JSON(http.StatusOK, &HttpJsonResp[string]{Data: "ok"})
		}
		if err := b.ClearState(); err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[string]{Data: "ok"})
	}, requireAdmin)

	return e
}

func (b *Bundler) startHttpServer(ctx context.Context) {
	if b.config.HttpBindAddress == "" {
		b.logger.Info("HTTP server disabled: no http_bind_address configured")
		return
	}

	b.httpServer = b.newHttpServer()
	addr := b.config.HttpBindAddress
	b.logger.Info("HTTP server listening", "address", addr)
	goSafe(func() {
		if err := b.httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("HTTP server stopped", "address", addr, "error", err)
		}
	})
}

func (b *Bundler) stopHttpServer() {
	if b.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.httpServer.Shutdown(ctx); err != nil {
		b.logger.Error("failed to stop HTTP server", "error", err)
	}
}
