package paymaster

import (
	"github.com/kelseyhightower/envconfig"

	"github.com/vitwit/payflow/types"
	"github.com/vitwit/payflow/utils"
)

// EnvPrefix is the default environment prefix, giving
// PAYFLOW_PAYMASTER_API_KEY, PAYFLOW_PAYMASTER_SPONSORED_ENABLED,
// PAYFLOW_PAYMASTER_MAINNET_POLICIES and PAYFLOW_PAYMASTER_TESTNET_POLICIES.
// Policy lists are comma-separated.
const EnvPrefix = "PAYFLOW_PAYMASTER"

// LoadConfigFromEnv reads the paymaster configuration from the environment.
func LoadConfigFromEnv(prefix string) (types.PaymasterConfig, error) {
	if prefix == "" {
		prefix = EnvPrefix
	}
	var cfg types.PaymasterConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return types.PaymasterConfig{}, types.WrapError(types.CodeConfigError, err, "failed to read paymaster environment")
	}
	if err := utils.ValidateStruct(&cfg); err != nil {
		return types.PaymasterConfig{}, err
	}
	return cfg, nil
}
