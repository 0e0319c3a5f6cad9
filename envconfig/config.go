package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ollama/mmproc/format"
)

var ErrInvalidHostPort = errors.New("invalid port specified in MMPROC_HOST")

const defaultPort = "11500"

var (
	// Set via MMPROC_ORIGINS in the environment
	AllowOrigins []string
	// Set via MMPROC_DEBUG in the environment. 1 enables debug, 2 enables trace.
	Debug int
	// Set via MMPROC_HASH_CONTENT in the environment
	HashContent bool
	// Set via MMPROC_HOST in the environment
	Host string
	// Set via MMPROC_LOAD_TIMEOUT in the environment
	LoadTimeout time.Duration
	// Set via MMPROC_MAX_IMAGE_SIZE in the environment
	MaxImageSize int64
	// Set via MMPROC_MAX_LOADS in the environment
	MaxConcurrentLoads int
	// Set via MMPROC_MODEL in the environment
	Model string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"MMPROC_DEBUG":          {"MMPROC_DEBUG", Debug, "Show additional debug information (e.g. MMPROC_DEBUG=1, 2 for trace)"},
		"MMPROC_HASH_CONTENT":   {"MMPROC_HASH_CONTENT", HashContent, "Hash loaded image bytes instead of image references"},
		"MMPROC_HOST":           {"MMPROC_HOST", Host, "IP Address for the mmproc server (default 127.0.0.1:11500)"},
		"MMPROC_LOAD_TIMEOUT":   {"MMPROC_LOAD_TIMEOUT", LoadTimeout, "Timeout for fetching a remote image (default 3s)"},
		"MMPROC_MAX_IMAGE_SIZE": {"MMPROC_MAX_IMAGE_SIZE", format.HumanBytes2(uint64(MaxImageSize)), "Largest accepted encoded image (default 20MiB)"},
		"MMPROC_MAX_LOADS":      {"MMPROC_MAX_LOADS", MaxConcurrentLoads, "Maximum number of images loaded in parallel per request (default 4)"},
		"MMPROC_MODEL":          {"MMPROC_MODEL", Model, "Path to the model directory"},
		"MMPROC_ORIGINS":        {"MMPROC_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = 0
	if debug := clean("MMPROC_DEBUG"); debug != "" {
		if d, err := strconv.Atoi(debug); err == nil {
			Debug = d
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	HashContent = false
	if hc := clean("MMPROC_HASH_CONTENT"); hc != "" {
		b, err := strconv.ParseBool(hc)
		if err != nil {
			slog.Error("invalid setting, ignoring", "MMPROC_HASH_CONTENT", hc, "error", err)
		} else {
			HashContent = b
		}
	}

	Host = clean("MMPROC_HOST")
	Model = clean("MMPROC_MODEL")

	LoadTimeout = 3 * time.Second
	if lt := clean("MMPROC_LOAD_TIMEOUT"); lt != "" {
		if d, err := time.ParseDuration(lt); err == nil && d > 0 {
			LoadTimeout = d
		} else if n, err := strconv.Atoi(lt); err == nil && n > 0 {
			// bare numbers are seconds
			LoadTimeout = time.Duration(n) * time.Second
		} else {
			slog.Error("invalid setting, ignoring", "MMPROC_LOAD_TIMEOUT", lt)
		}
	}

	MaxImageSize = 20 * format.MebiByte
	if ms := clean("MMPROC_MAX_IMAGE_SIZE"); ms != "" {
		n, err := format.ParseBytes(ms)
		if err != nil || n <= 0 {
			slog.Error("invalid setting, ignoring", "MMPROC_MAX_IMAGE_SIZE", ms, "error", err)
		} else {
			MaxImageSize = n
		}
	}

	MaxConcurrentLoads = 4
	if ml := clean("MMPROC_MAX_LOADS"); ml != "" {
		n, err := strconv.Atoi(ml)
		if err != nil || n <= 0 {
			slog.Error("invalid setting must be greater than zero", "MMPROC_MAX_LOADS", ml, "error", err)
		} else {
			MaxConcurrentLoads = n
		}
	}

	AllowOrigins = nil
	if origins := clean("MMPROC_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

type HostPort struct {
	Scheme string
	Host   string
	Port   string
}

// ListenAddr returns the address the server listens on as configured by
// MMPROC_HOST.
func ListenAddr() (string, error) {
	hp, err := getHost()
	if err != nil {
		return "", err
	}

	return net.JoinHostPort(hp.Host, hp.Port), nil
}

// ServerURL returns the base URL clients use to reach the server.
func ServerURL() (*url.URL, error) {
	hp, err := getHost()
	if err != nil {
		return nil, err
	}

	return &url.URL{Scheme: hp.Scheme, Host: net.JoinHostPort(hp.Host, hp.Port)}, nil
}

func getHost() (*HostPort, error) {
	defaultHost, defaultPort := "127.0.0.1", defaultPort

	s := strings.TrimSpace(strings.Trim(strings.TrimSpace(Host), "\"'"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport = strings.TrimRight(hostport, "/")

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = defaultHost, defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return nil, ErrInvalidHostPort
	}

	return &HostPort{
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}, nil
}
