package utils

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/vitwit/payflow/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("ethaddr", validateAddressTag)
}

func validateAddressTag(fl validator.FieldLevel) bool {
	return common.IsHexAddress(fl.Field().String())
}

// ValidateStruct runs struct-tag validation and reports failures as config errors.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return types.WrapError(types.CodeConfigError, err, "validation failed")
	}
	return nil
}

// ParseConfig parses Config from JSON and fills defaults for unset fields.
func ParseConfig(data []byte) (*types.Config, error) {
	var config types.Config

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, types.WrapError(types.CodeConfigError, err, "failed to parse payflow config")
	}
	if config.Poll == (types.PollConfig{}) {
		config.Poll = types.DefaultPollConfig()
	}

	if err := ValidateStruct(&config); err != nil {
		return nil, err
	}

	for network, chain := range config.Chains {
		if chain.Network != network {
			return nil, types.NewError(types.CodeConfigError, "chain entry %q names network %q", network, chain.Network)
		}
		if id, ok := network.ChainID(); ok && id != chain.ChainID {
			return nil, types.NewError(types.CodeConfigError,
				"network %s has chain id %d, config says %d", network, id, chain.ChainID)
		}
	}

	return &config, nil
}

// ParseChainConfig parses a single ChainConfig from JSON
func ParseChainConfig(data []byte) (*types.ChainConfig, error) {
	var config types.ChainConfig

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, types.WrapError(types.CodeConfigError, err, "failed to parse chain config")
	}

	if err := ValidateStruct(&config); err != nil {
		return nil, fmt.Errorf("chain %s: %w", config.Network, err)
	}

	return &config, nil
}
