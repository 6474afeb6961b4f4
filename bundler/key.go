package bundler

import (
	"fmt"
	"io"
	"time"

	"github.com/AvaProtocol/ap-bundler/core/auth"
	"github.com/AvaProtocol/ap-bundler/core/config"
)

const DefaultAdminKeyTTL = 365 * 24 * time.Hour

type CreateApiKeyOption struct {
	Roles   []string
	Subject string
	TTL     time.Duration
}

// CreateAdminKey signs a debug API key with the jwt_secret of the config at
// configPath and writes it to out
func CreateAdminKey(configPath string, opt CreateApiKeyOption, out io.Writer) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %s\nMake sure it is exist and a valid yaml file %w.", configPath, err)
	}

	if opt.Subject == "" {
		return fmt.Errorf("error: subject cannot be empty")
	}
	if len(opt.Roles) < 1 {
		return fmt.Errorf("error: at least one role is required")
	}
	if opt.TTL <= 0 {
		opt.TTL = DefaultAdminKeyTTL
	}

	roles := make([]auth.ApiRole, len(opt.Roles))
	for i, v := range opt.Roles {
		roles[i] = auth.ApiRole(v)
	}

	key, err := auth.NewKey(c.JwtSecret, opt.Subject, opt.TTL, roles...)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, key)
	return err
}
