package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// Section names with a fixed meaning. They are never polled as instances.
const (
	DefaultSection = "DEFAULT"
	LoggingSection = "Logging"
	AlertsSection  = "Alerts"
)

// ReservedSections lists the non-instance sections besides DEFAULT.
var ReservedSections = map[string]struct{}{
	LoggingSection: {},
	AlertsSection:  {},
}

// File is a parsed configuration file.
type File struct {
	Defaults DefaultSet
	Sections map[string]InstanceSection
	Logging  Logging
	Alerts   Alerts
}

// Logging configures the log sink.
type Logging struct {
	LogFile         string
	MaxBytes        int64
	BackupCount     int
	RotateOnStartup bool
	Console         bool
	Verbose         bool
}

// Alerts configures the operator e-mail sent on permanent failures.
type Alerts struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPTLS      bool
	From         string
	To           []string
}

// Enabled reports whether enough is configured to send alert mail.
func (a Alerts) Enabled() bool {
	return a.SMTPHost != "" && len(a.To) > 0
}

// Load reads the INI files matching patterns, expanded with filepath.Glob,
// and parses them as one configuration. Files are merged in order: a key in
// a later file replaces the same key of an earlier one. A pattern without
// glob metacharacters must name an existing file.
func Load(patterns ...string) (*File, error) {
	paths, err := Expand(patterns...)
	if err != nil {
		return nil, err
	}
	sources := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		sources = append(sources, data)
	}
	f, err := Parse(sources...)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", strings.Join(paths, ", "), err)
	}
	return f, nil
}

// Expand resolves config file patterns to paths, keeping the order of the
// patterns and sorting the matches of each.
func Expand(patterns ...string) ([]string, error) {
	var paths []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("config pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			// a literal path is reported by ReadFile; an empty glob is not an error
			if !hasMeta(pattern) {
				paths = append(paths, pattern)
			}
			continue
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("read config file: no file matches %s", strings.Join(patterns, ", "))
	}
	return paths, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[\`)
}

// Parse parses INI sources, later ones overriding earlier keys. Keys are
// case-sensitive. Errors in the Logging or Alerts sections are returned;
// instance errors are deferred to Instances.
func Parse(sources ...[]byte) (*File, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no configuration given")
	}
	others := make([]any, 0, len(sources)-1)
	for _, src := range sources[1:] {
		others = append(others, src)
	}
	raw, err := ini.LoadSources(ini.LoadOptions{
		IgnoreContinuation:       true,
		SpaceBeforeInlineComment: true,
	}, sources[0], others...)
	if err != nil {
		return nil, err
	}

	f := &File{
		Defaults: DefaultSet(raw.Section(DefaultSection).KeysHash()),
		Sections: make(map[string]InstanceSection),
	}
	for _, sec := range raw.Sections() {
		if sec.Name() == DefaultSection {
			continue
		}
		f.Sections[sec.Name()] = InstanceSection(sec.KeysHash())
	}

	if f.Logging, err = parseLogging(f.Defaults, f.Sections[LoggingSection]); err != nil {
		return nil, err
	}
	if f.Alerts, err = parseAlerts(f.Defaults, f.Sections[AlertsSection]); err != nil {
		return nil, err
	}
	return f, nil
}

// Instances resolves every instance section against [DEFAULT].
func (f *File) Instances() ([]Instance, error) {
	return Resolve(f.Defaults, f.Sections, ReservedSections)
}

// sectionValue reads key from a reserved section, falling back to [DEFAULT]
// and then to fallback.
func sectionValue(defaults DefaultSet, sec InstanceSection, key, fallback string) string {
	if v, ok := sec[key]; ok {
		return strings.TrimSpace(v)
	}
	if v, ok := defaults[key]; ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func parseLogging(defaults DefaultSet, sec InstanceSection) (Logging, error) {
	var (
		l   Logging
		err error
	)
	l.LogFile = sectionValue(defaults, sec, "LogFile", "")

	size := sectionValue(defaults, sec, "MaxBytes", "10M")
	if l.MaxBytes, err = parseSize(size); err != nil {
		return l, fmt.Errorf("[%s] MaxBytes: %w", LoggingSection, err)
	}

	count := sectionValue(defaults, sec, "BackupCount", "5")
	if count != "0" {
		if l.BackupCount, err = parsePositive(count); err != nil {
			return l, fmt.Errorf("[%s] BackupCount: %w", LoggingSection, err)
		}
	}

	for _, b := range []struct {
		key      string
		fallback string
		dst      *bool
	}{
		{"RotateOnStartup", "false", &l.RotateOnStartup},
		{"Console", "true", &l.Console},
		{"Verbose", "false", &l.Verbose},
	} {
		if *b.dst, err = parseBool(sectionValue(defaults, sec, b.key, b.fallback)); err != nil {
			return l, fmt.Errorf("[%s] %s: %w", LoggingSection, b.key, err)
		}
	}

	if l.RotateOnStartup && l.LogFile == "" {
		return l, fmt.Errorf("[%s] RotateOnStartup requires LogFile", LoggingSection)
	}
	if !l.Console && l.LogFile == "" {
		return l, fmt.Errorf("[%s] Console is disabled and no LogFile is set", LoggingSection)
	}
	return l, nil
}

func parseAlerts(defaults DefaultSet, sec InstanceSection) (Alerts, error) {
	var (
		a   Alerts
		err error
	)
	if sec == nil {
		return a, nil
	}
	a.SMTPHost = sectionValue(defaults, sec, "SMTPHost", "")
	a.SMTPUser = sectionValue(defaults, sec, "SMTPUser", "")
	a.SMTPPassword = sectionValue(defaults, sec, "SMTPPassword", "")
	a.From = sectionValue(defaults, sec, "AlertFrom", a.SMTPUser)

	if a.SMTPPort, err = parsePositive(sectionValue(defaults, sec, "SMTPPort", "587")); err != nil {
		return a, fmt.Errorf("[%s] SMTPPort: %w", AlertsSection, err)
	}
	if a.SMTPTLS, err = parseBool(sectionValue(defaults, sec, "SMTPTLS", "false")); err != nil {
		return a, fmt.Errorf("[%s] SMTPTLS: %w", AlertsSection, err)
	}
	for _, to := range strings.Split(sectionValue(defaults, sec, "AlertTo", ""), ",") {
		if to = strings.TrimSpace(to); to != "" {
			a.To = append(a.To, to)
		}
	}
	if a.Enabled() && a.From == "" {
		return a, fmt.Errorf("[%s] AlertFrom is required when SMTPUser is empty", AlertsSection)
	}
	return a, nil
}
