package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultSet holds the values of the [DEFAULT] section. Every instance
// inherits a value from here unless its own section overrides it.
type DefaultSet map[string]string

// InstanceSection holds the values of one named instance section.
type InstanceSection map[string]string

var (
	// ErrMissingKey is wrapped by a ResolutionError when a key is absent
	// from both the instance section and [DEFAULT].
	ErrMissingKey = errors.New("missing key")
	// ErrInvalidValue is wrapped by a ResolutionError when a value cannot be
	// parsed or is out of range.
	ErrInvalidValue = errors.New("invalid value")
)

// ResolutionError reports one key of one instance that could not be resolved.
type ResolutionError struct {
	Instance string
	Key      string
	Value    string
	Err      error
}

func (e *ResolutionError) Error() string {
	if errors.Is(e.Err, ErrMissingKey) {
		return fmt.Sprintf("instance %s: %s: not set in section or [%s]", e.Instance, e.Key, DefaultSection)
	}
	return fmt.Sprintf("instance %s: %s: %v %q", e.Instance, e.Key, e.Err, e.Value)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Instance is the fully resolved configuration of one polled mailbox.
type Instance struct {
	Name string

	Protocol     string // "imap" or "pop3"
	MailHost     string
	MailPort     int
	MailTLS      bool
	MailFolder   string
	MailUser     string
	MailPassword string

	DBType     string // "mysql" or "postgres"
	DBSchema   string // "mailbot" or "vicidial"
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	IntervalSeconds      int
	CheckAll             bool
	MaxAttempts          int
	RetryDelaySeconds    int
	MaxRetryDelaySeconds int
}

// Interval returns the delay between two polls of the instance.
func (i Instance) Interval() time.Duration {
	return time.Duration(i.IntervalSeconds) * time.Second
}

// RetryDelay returns the base backoff delay for transient failures.
func (i Instance) RetryDelay() time.Duration {
	return time.Duration(i.RetryDelaySeconds) * time.Second
}

// MaxRetryDelay returns the cap applied to the exponential backoff.
func (i Instance) MaxRetryDelay() time.Duration {
	return time.Duration(i.MaxRetryDelaySeconds) * time.Second
}

// Resolve merges defaults with every instance section and returns the
// resolved instances sorted by name. Sections named DEFAULT or listed in
// reserved are skipped.
//
// An instance with unresolvable keys is left out of the result; its errors
// are joined into the returned error so the remaining instances can still
// be started.
func Resolve(defaults DefaultSet, sections map[string]InstanceSection, reserved map[string]struct{}) ([]Instance, error) {
	names := make([]string, 0, len(sections))
	for name := range sections {
		if name == DefaultSection {
			continue
		}
		if _, ok := reserved[name]; ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		out  []Instance
		errs []error
	)
	for _, name := range names {
		inst, err := resolveInstance(name, defaults, sections[name])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, inst)
	}
	return out, errors.Join(errs...)
}

func resolveInstance(name string, defaults DefaultSet, section InstanceSection) (Instance, error) {
	r := &resolver{name: name, defaults: defaults, section: section}

	inst := Instance{
		Name:         name,
		Protocol:     r.oneOf("Protocol", "imap", "imap", "pop3"),
		MailHost:     r.required("MailHost"),
		MailTLS:      r.boolean("MailTLS", "true"),
		MailFolder:   r.required("MailFolder"),
		MailUser:     r.required("MailUser"),
		MailPassword: r.required("MailPassword"),

		DBType:     r.oneOf("DBType", "mysql", "mysql", "postgres"),
		DBSchema:   r.oneOf("DBSchema", "mailbot", "mailbot", "vicidial"),
		DBHost:     r.required("DBHost"),
		DBPort:     r.positive("DBPort", ""),
		DBName:     r.required("DBName"),
		DBUser:     r.required("DBUser"),
		DBPassword: r.required("DBPassword"),

		IntervalSeconds:      r.positive("Interval", ""),
		CheckAll:             r.boolean("CheckAll", ""),
		MaxAttempts:          r.positive("MaxAttempts", "3"),
		RetryDelaySeconds:    r.positive("RetryDelay", "2"),
		MaxRetryDelaySeconds: r.positive("MaxRetryDelay", "60"),
	}

	defaultPort := "993"
	if inst.Protocol == "pop3" {
		defaultPort = "995"
	}
	inst.MailPort = r.positive("MailPort", defaultPort)

	// VICIdial runs on MySQL or MariaDB only.
	if inst.DBSchema == "vicidial" && inst.DBType == "postgres" {
		r.invalid("DBSchema", inst.DBSchema)
	}

	if err := errors.Join(r.errs...); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// resolver looks keys up in an instance section first and [DEFAULT] second,
// collecting every failure instead of stopping at the first one.
type resolver struct {
	name     string
	defaults DefaultSet
	section  InstanceSection
	errs     []error
}

func (r *resolver) lookup(key string) (string, bool) {
	if v, ok := r.section[key]; ok {
		return strings.TrimSpace(v), true
	}
	v, ok := r.defaults[key]
	return strings.TrimSpace(v), ok
}

// value returns the raw value for key; fallback is used when the key is
// absent everywhere, an empty fallback makes the key mandatory.
func (r *resolver) value(key, fallback string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		if fallback == "" {
			r.errs = append(r.errs, &ResolutionError{Instance: r.name, Key: key, Err: ErrMissingKey})
			return "", false
		}
		return fallback, true
	}
	if v == "" {
		r.errs = append(r.errs, &ResolutionError{Instance: r.name, Key: key, Value: v, Err: ErrInvalidValue})
		return "", false
	}
	return v, true
}

func (r *resolver) invalid(key, value string) {
	r.errs = append(r.errs, &ResolutionError{Instance: r.name, Key: key, Value: value, Err: ErrInvalidValue})
}

func (r *resolver) required(key string) string {
	v, _ := r.value(key, "")
	return v
}

func (r *resolver) oneOf(key, fallback string, allowed ...string) string {
	v, ok := r.value(key, fallback)
	if !ok {
		return ""
	}
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	r.invalid(key, v)
	return ""
}

func (r *resolver) boolean(key, fallback string) bool {
	v, ok := r.value(key, fallback)
	if !ok {
		return false
	}
	b, err := parseBool(v)
	if err != nil {
		r.invalid(key, v)
	}
	return b
}

func (r *resolver) positive(key, fallback string) int {
	v, ok := r.value(key, fallback)
	if !ok {
		return 0
	}
	n, err := parsePositive(v)
	if err != nil {
		r.invalid(key, v)
	}
	return n
}

var boolTokens = map[string]bool{
	"true": true, "yes": true, "1": true,
	"false": false, "no": false, "0": false,
}

func parseBool(s string) (bool, error) {
	b, ok := boolTokens[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, s)
	}
	return b, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q is not a positive integer", ErrInvalidValue, s)
	}
	return n, nil
}

var sizeUnits = map[byte]int64{
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
}

// parseSize parses a byte count with an optional K, M or G suffix.
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", ErrInvalidValue)
	}
	mult := int64(1)
	if m, ok := sizeUnits[s[len(s)-1]]; ok {
		mult = m
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q is not a positive size", ErrInvalidValue, s)
	}
	if n > (1<<62)/mult {
		return 0, fmt.Errorf("%w: size %q overflows", ErrInvalidValue, s)
	}
	return n * mult, nil
}

// FailedInstances returns the sorted names of the instances mentioned by
// the ResolutionErrors inside err.
func FailedInstances(err error) []string {
	seen := make(map[string]struct{})
	var walk func(error)
	walk = func(err error) {
		switch u := err.(type) {
		case nil:
		case *ResolutionError:
			seen[u.Instance] = struct{}{}
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				walk(e)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
