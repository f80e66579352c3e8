package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "CHAT_LEDGER_"

// ApplyEnvCompat reads environment variables that are not represented by
// dedicated CLI flags in the serve command: size values with unit suffixes,
// ISO-8601 durations and the per-actor key and role maps.
func (c *Config) ApplyEnvCompat() error {
	if c == nil {
		return nil
	}

	if raw := strings.TrimSpace(os.Getenv(envPrefix + "ATTACHMENTS_MAX_SIZE")); raw != "" {
		size, err := parseMemorySize(raw)
		if err != nil {
			return fmt.Errorf("invalid %sATTACHMENTS_MAX_SIZE: %w", envPrefix, err)
		}
		c.AttachmentMaxSize = size
	}
	if err := applyDurationEnv(envPrefix+"CACHE_TOGGLE_TTL", &c.CacheToggleTTL); err != nil {
		return err
	}
	if err := applyDurationEnv(envPrefix+"MODEL_OPENAI_TIMEOUT", &c.OpenAITimeout); err != nil {
		return err
	}
	if err := applyBoolEnv(envPrefix+"S3_USE_PATH_STYLE", &c.S3UsePathStyle); err != nil {
		return err
	}
	applyStringEnv(envPrefix+"S3_PREFIX", &c.S3Prefix)
	applyStringEnv(envPrefix+"MONGO_DATABASE", &c.MongoDatabase)

	keys := scanPrefixedEnv(envPrefix + "API_KEYS_")
	if len(keys) > 0 {
		c.APIKeys = map[string]string{}
		for actor, values := range keys {
			for _, key := range values {
				c.APIKeys[key] = actor
			}
		}
	}
	if roles := scanPrefixedEnv(envPrefix + "ACTOR_ROLES_"); len(roles) > 0 {
		c.ActorRoles = roles
	}
	return c.Validate()
}

// Validate rejects settings that would otherwise fail late at request time.
func (c *Config) Validate() error {
	switch c.AnonymousPolicy {
	case AnonymousAllow:
	case AnonymousRole:
		if strings.TrimSpace(c.AnonymousRoleName) == "" {
			return fmt.Errorf("anonymous policy %q requires an anonymous role name", c.AnonymousPolicy)
		}
	default:
		return fmt.Errorf("unknown anonymous policy %q; valid: [%s %s]", c.AnonymousPolicy, AnonymousAllow, AnonymousRole)
	}
	if c.AttachmentMaxSize <= 0 {
		return fmt.Errorf("attachment max size must be positive")
	}
	return nil
}

// scanPrefixedEnv collects env vars shaped like <prefix><ACTOR>=<value>[,<value>...]
// into a map keyed by the lower-cased actor id.
func scanPrefixedEnv(prefix string) map[string][]string {
	result := map[string][]string{}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		eqIdx := strings.IndexByte(env, '=')
		if eqIdx < 0 {
			continue
		}
		actorID := strings.ToLower(strings.TrimSpace(env[len(prefix):eqIdx]))
		if actorID == "" {
			continue
		}
		for _, v := range strings.Split(env[eqIdx+1:], ",") {
			if v = strings.TrimSpace(v); v != "" {
				result[actorID] = append(result[actorID], v)
			}
		}
	}
	return result
}

func applyStringEnv(key string, dest *string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	*dest = raw
}

func applyBoolEnv(key string, dest *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyDurationEnv(key string, dest *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

// parseDuration accepts Go durations (30s, 5m) and the PT#H#M#S subset of ISO-8601.
func parseDuration(raw string) (time.Duration, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(strings.ToLower(v)); err == nil {
		return d, nil
	}
	rest, ok := strings.CutPrefix(v, "PT")
	if !ok || rest == "" {
		return 0, fmt.Errorf("unsupported format %q", raw)
	}
	units := map[byte]time.Duration{'H': time.Hour, 'M': time.Minute, 'S': time.Second}
	total := time.Duration(0)
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(rest) {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		unit, known := units[rest[i]]
		if !known {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		total += time.Duration(n) * unit
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}

func parseMemorySize(raw string) (int64, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	multiplier := int64(1)
	for _, u := range []struct {
		suffixes []string
		factor   int64
	}{
		{[]string{"KB", "K"}, 1024},
		{[]string{"MB", "M"}, 1024 * 1024},
		{[]string{"GB", "G"}, 1024 * 1024 * 1024},
		{[]string{"B"}, 1},
	} {
		matched := false
		for _, s := range u.suffixes {
			if trimmed, ok := strings.CutSuffix(v, s); ok {
				v, multiplier, matched = trimmed, u.factor, true
				break
			}
		}
		if matched {
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * multiplier, nil
}
