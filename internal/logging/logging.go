package logging

import "go.uber.org/zap"

// New builds the process logger: human-readable in dev, JSON elsewhere.
func New(appEnv string) (*zap.Logger, error) {
	if appEnv == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
