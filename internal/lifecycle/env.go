package lifecycle

import (
	"sort"
	"strings"
)

// envBlocklist holds variables a profile must never inject into a
// student desktop.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":                     true,
	"LD_LIBRARY_PATH":                true,
	"DOCKER_HOST":                    true,
	"DOCKER_CERT_PATH":               true,
	"KUBECONFIG":                     true,
	"AWS_ACCESS_KEY_ID":              true,
	"AWS_SECRET_ACCESS_KEY":          true,
	"AWS_SESSION_TOKEN":              true,
	"GOOGLE_APPLICATION_CREDENTIALS": true,
	"AZURE_CLIENT_SECRET":            true,
	"DATABASE_URL":                   true,
	"JWT_SECRET":                     true,
}

// envReserved holds variables the gateway sets itself.
var envReserved = map[string]bool{
	"ALLOWED_DOMAINS": true,
	"SESSION_KEY":     true,
	"SESSION_KIND":    true,
}

// BuildEnvironment merges the profile environment with the per-session
// variables. Blocklisted and reserved keys coming from the profile are
// dropped. The result is sorted so identical inputs give identical configs.
func BuildEnvironment(profileEnv map[string]string, spec Spec) []string {
	env := make([]string, 0, len(profileEnv)+3)

	for key, value := range profileEnv {
		key = strings.TrimSpace(key)
		if key == "" || strings.ContainsRune(key, '=') {
			continue
		}
		if envBlocklist[strings.ToUpper(key)] || envReserved[strings.ToUpper(key)] {
			continue
		}
		env = append(env, key+"="+value)
	}
	sort.Strings(env)

	env = append(env,
		"SESSION_KEY="+spec.Name,
		"SESSION_KIND="+string(spec.Kind),
		"ALLOWED_DOMAINS="+strings.Join(spec.AllowedDomains, ","),
	)
	return env
}

// envKey extracts the key from a "KEY=VALUE" environment entry.
func envKey(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}
