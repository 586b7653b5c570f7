package config

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"txreplay/internal/apperr"
)

var (
	txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	apiKeyPattern = regexp.MustCompile(`^[A-Za-z0-9]{34}$`)
)

// ParseTxHash validates a transaction hash: 0x followed by 64 hex characters.
func ParseTxHash(input string) (common.Hash, error) {
	input = strings.TrimSpace(input)
	if !txHashPattern.MatchString(input) {
		return common.Hash{}, apperr.New(apperr.KindValidation, "parse tx hash", "invalid transaction hash %q: expected 0x followed by 64 hex characters", input)
	}
	return common.HexToHash(input), nil
}

// ValidateAPIKey checks the indexing service key format.
func ValidateAPIKey(key string) error {
	if !apiKeyPattern.MatchString(key) {
		return apperr.New(apperr.KindValidation, "validate api key", "api key must be 34 alphanumeric characters")
	}
	return nil
}

// ValidateRPCURL checks that raw is an absolute http(s) URL.
func ValidateRPCURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return apperr.New(apperr.KindValidation, "validate rpc url", "invalid url %q: %v", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return apperr.New(apperr.KindValidation, "validate rpc url", "url %q must use http or https", raw)
	}
	if parsed.Host == "" {
		return apperr.New(apperr.KindValidation, "validate rpc url", "url %q has no host", raw)
	}
	return nil
}

// ValidatePort checks a TCP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return apperr.New(apperr.KindValidation, "validate port", "port %d out of range 1-65535", port)
	}
	return nil
}

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !common.IsHexAddress(input) {
			return nil, apperr.New(apperr.KindValidation, "parse address", "invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}

// ValidateRun checks the values the run command needs before any I/O.
func (c Config) ValidateRun() error {
	if err := ValidateAPIKey(c.EtherscanAPIKey); err != nil {
		return err
	}
	if err := ValidateRPCURL(c.EtherscanURL); err != nil {
		return err
	}
	if c.ForkURL == "" {
		return apperr.New(apperr.KindValidation, "validate config", "fork rpc url is required")
	}
	if err := ValidateRPCURL(c.ForkURL); err != nil {
		return err
	}
	if err := ValidatePort(c.Port); err != nil {
		return err
	}
	if c.AI {
		if err := ValidateRPCURL(c.AIEndpoint); err != nil {
			return err
		}
	}
	return nil
}
