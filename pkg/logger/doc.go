// Package logger wraps zerolog behind a small interface used across the gateway.
//
// Components take a Logger in their constructors; tests pass NewTestLogger or
// NewNopLogger. The process-wide instance is set up once with Initialize:
//
//	if err := logger.Initialize(&cfg.Logging); err != nil {
//	    return err
//	}
//	log := logger.GetLogger().WithField("component", "gateway")
//	log.InfoWithFields("listening", map[string]interface{}{"port": 8000})
package logger
