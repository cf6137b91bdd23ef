package temporalx

import (
	"time"

	"github.com/yungbote/xblockcore/internal/platform/envutil"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

const DefaultNamespace = "xblockcore"

type Config struct {
	// Address empty means Temporal is disabled and jobs run inline.
	Address   string
	Namespace string
	TaskQueue string

	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string

	DialTimeout       time.Duration
	DialMaxWait       time.Duration
	DialBackoff       time.Duration
	DialBackoffMax    time.Duration
	AutoRegister      bool
	RetentionDays     int
	WorkerConcurrency int
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Address:   envutil.String("TEMPORAL_ADDRESS", "", log),
		Namespace: envutil.String("TEMPORAL_NAMESPACE", DefaultNamespace, log),
		TaskQueue: envutil.String("TEMPORAL_TASK_QUEUE", DefaultNamespace, log),

		ClientCertPath: envutil.String("TEMPORAL_CLIENT_CERT_PATH", "", log),
		ClientKeyPath:  envutil.String("TEMPORAL_CLIENT_KEY_PATH", "", log),
		ClientCAPath:   envutil.String("TEMPORAL_CLIENT_CA_PATH", "", log),

		DialTimeout:       envutil.Duration("TEMPORAL_DIAL_TIMEOUT", 5*time.Second, log),
		DialMaxWait:       envutil.Duration("TEMPORAL_DIAL_MAX_WAIT", time.Minute, log),
		DialBackoff:       envutil.Duration("TEMPORAL_DIAL_BACKOFF", 250*time.Millisecond, log),
		DialBackoffMax:    envutil.Duration("TEMPORAL_DIAL_BACKOFF_MAX", 5*time.Second, log),
		AutoRegister:      envutil.Bool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false, log),
		RetentionDays:     envutil.Int("TEMPORAL_NAMESPACE_RETENTION_DAYS", 7, log),
		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 4, log),
	}
}

func (c Config) Enabled() bool { return c.Address != "" }
