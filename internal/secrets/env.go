package secrets

import (
	"context"
	"fmt"
	"os"
)

// FromEnv builds a FetchFunc reading name as an environment variable,
// the default backing store for local/dev deployments (teacher's
// config.getEnvOrThrow pattern, generalized to the SecretsProvider shape).
func FromEnv() FetchFunc {
	return func(_ context.Context, name string) ([]byte, error) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return nil, fmt.Errorf("secret %q not set in environment", name)
		}
		return []byte(v), nil
	}
}
