package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a logger for mode ("prod" or "development"). LOG_LEVEL overrides
// the default debug level.
func New(mode string) (*Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if m := strings.ToLower(strings.TrimSpace(mode)); m == "prod" || m == "production" {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("LOG_LEVEL")))
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &Logger{SugaredLogger: z.Sugar()}, nil
}

func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func parseLevel(raw string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(raw))
	if err != nil || strings.TrimSpace(raw) == "" {
		return zap.DebugLevel
	}
	return lvl
}

func (l *Logger) Sync() { _ = l.SugaredLogger.Sync() }

func (l *Logger) Debug(msg string, kv ...interface{}) { l.SugaredLogger.Debugw(msg, sanitizeKVs(kv)...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.SugaredLogger.Infow(msg, sanitizeKVs(kv)...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.SugaredLogger.Warnw(msg, sanitizeKVs(kv)...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.SugaredLogger.Errorw(msg, sanitizeKVs(kv)...) }
func (l *Logger) Fatal(msg string, kv ...interface{}) { l.SugaredLogger.Fatalw(msg, sanitizeKVs(kv)...) }

func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(sanitizeKVs(kv)...)}
}

// redaction decides how field values are rendered. Credentials are dropped;
// source vocabulary text is hashed since it can carry site-local identifiers.
type redaction struct {
	enabled bool
	salt    string
	secret  []string
	hashed  map[string]bool
}

var (
	policyOnce sync.Once
	policy     redaction
)

func currentPolicy() redaction {
	policyOnce.Do(func() {
		policy = redaction{
			enabled: true,
			salt:    strings.TrimSpace(os.Getenv("LOG_HASH_SALT")),
			secret:  []string{"token", "authorization", "password", "secret", "api_key", "apikey", "dsn"},
			hashed: map[string]bool{
				"source_value":        true,
				"source_concept_name": true,
				"source_description":  true,
			},
		}
		switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_REDACTION_ENABLED"))) {
		case "0", "false", "no", "off":
			policy.enabled = false
		}
	})
	return policy
}

func sanitizeKVs(kv []interface{}) []interface{} {
	p := currentPolicy()
	if len(kv) == 0 || !p.enabled {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		key := toString(kv[i])
		out = append(out, key, p.value(strings.ToLower(key), kv[i+1]))
	}
	if len(kv)%2 == 1 {
		out = append(out, kv[len(kv)-1])
	}
	return out
}

func (p redaction) value(key string, val interface{}) interface{} {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return val
	case p.isSecret(key):
		return "[REDACTED]"
	case p.hashed[key]:
		return p.hash(val)
	}
	if m, ok := val.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = p.value(strings.ToLower(k), v)
		}
		return out
	}
	return val
}

func (p redaction) isSecret(key string) bool {
	for _, frag := range p.secret {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

func (p redaction) hash(val interface{}) string {
	raw := toString(val)
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(p.salt + raw))
	return "hash:" + hex.EncodeToString(sum[:])[:12]
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
