package config

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseDefaults() DefaultSet {
	return DefaultSet{
		"MailHost":   "mail.lcn.com",
		"MailFolder": "Inbox",
		"DBPort":     "3306",
		"DBName":     "asterisk",
		"DBUser":     "mailbot",
		"Interval":   "60",
		"CheckAll":   "True",
	}
}

func tenantSection() InstanceSection {
	return InstanceSection{
		"MailUser":     "sales@example.com",
		"MailPassword": "secret",
		"DBHost":       "10.0.0.5",
		"DBPassword":   "dbsecret",
	}
}

func TestResolveInheritsDefaults(t *testing.T) {
	got, err := Resolve(baseDefaults(), map[string]InstanceSection{"sales": tenantSection()}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	inst := got[0]
	assert.Equal(t, "sales", inst.Name)
	assert.Equal(t, 60, inst.IntervalSeconds)
	assert.True(t, inst.CheckAll)
	assert.Equal(t, "mail.lcn.com", inst.MailHost)
	assert.Equal(t, "Inbox", inst.MailFolder)
	assert.Equal(t, 3306, inst.DBPort)
	assert.Equal(t, "asterisk", inst.DBName)
	assert.Equal(t, "mailbot", inst.DBUser)
	assert.Equal(t, "sales@example.com", inst.MailUser)
	assert.Equal(t, "10.0.0.5", inst.DBHost)

	assert.Equal(t, "imap", inst.Protocol)
	assert.Equal(t, 993, inst.MailPort)
	assert.True(t, inst.MailTLS)
	assert.Equal(t, "mysql", inst.DBType)
	assert.Equal(t, 3, inst.MaxAttempts)
}

func TestResolveSectionOverridesDefault(t *testing.T) {
	sec := tenantSection()
	sec["Interval"] = "15"
	sec["CheckAll"] = "no"
	sec["Protocol"] = "POP3"

	got, err := Resolve(baseDefaults(), map[string]InstanceSection{"support": sec}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 15, got[0].IntervalSeconds)
	assert.False(t, got[0].CheckAll)
	assert.Equal(t, "pop3", got[0].Protocol)
	assert.Equal(t, 995, got[0].MailPort)
}

func TestResolveIsDeterministic(t *testing.T) {
	sections := map[string]InstanceSection{
		"zeta":  tenantSection(),
		"alpha": tenantSection(),
		"mid":   tenantSection(),
	}
	first, err := Resolve(baseDefaults(), sections, nil)
	require.NoError(t, err)
	second, err := Resolve(baseDefaults(), sections, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "alpha", first[0].Name)
	assert.Equal(t, "mid", first[1].Name)
	assert.Equal(t, "zeta", first[2].Name)
}

func TestResolveMissingKey(t *testing.T) {
	defaults := baseDefaults()
	delete(defaults, "DBName")

	got, err := Resolve(defaults, map[string]InstanceSection{"sales": tenantSection()}, nil)
	require.Error(t, err)
	assert.Empty(t, got)

	var rerr *ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "sales", rerr.Instance)
	assert.Equal(t, "DBName", rerr.Key)
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "DBName")
}

func TestResolveFailingInstanceDoesNotBlockOthers(t *testing.T) {
	broken := tenantSection()
	delete(broken, "MailPassword")

	got, err := Resolve(baseDefaults(), map[string]InstanceSection{
		"good":   tenantSection(),
		"broken": broken,
	}, nil)
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].Name)
	assert.Contains(t, err.Error(), "instance broken: MailPassword")
}

func TestResolveSkipsReservedSections(t *testing.T) {
	got, err := Resolve(baseDefaults(), map[string]InstanceSection{
		DefaultSection: {},
		LoggingSection: {"LogFile": "mailbot", "checkall": "yes"},
		"sales":        tenantSection(),
	}, ReservedSections)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sales", got[0].Name)
}

func TestResolveInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non numeric interval", "Interval", "soon"},
		{"zero interval", "Interval", "0"},
		{"negative interval", "Interval", "-5"},
		{"bad boolean", "CheckAll", "maybe"},
		{"empty value", "MailHost", ""},
		{"bad port", "DBPort", "33o6"},
		{"unknown protocol", "Protocol", "jmap"},
		{"unknown db type", "DBType", "oracle"},
		{"unknown db schema", "DBSchema", "crm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sec := tenantSection()
			sec[tt.key] = tt.val

			_, err := Resolve(baseDefaults(), map[string]InstanceSection{"sales": sec}, nil)
			require.Error(t, err)

			var rerr *ResolutionError
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tt.key, rerr.Key)
			assert.ErrorIs(t, err, ErrInvalidValue)
		})
	}
}

func TestResolveDBSchema(t *testing.T) {
	got, err := Resolve(baseDefaults(), map[string]InstanceSection{"sales": tenantSection()}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mailbot", got[0].DBSchema)

	sec := tenantSection()
	sec["DBSchema"] = "VICIdial"
	got, err = Resolve(baseDefaults(), map[string]InstanceSection{"sales": sec}, nil)
	require.NoError(t, err)
	assert.Equal(t, "vicidial", got[0].DBSchema)

	sec["DBType"] = "postgres"
	_, err = Resolve(baseDefaults(), map[string]InstanceSection{"sales": sec}, nil)
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "DBSchema", rerr.Key)
}

func TestParseBool(t *testing.T) {
	for _, tok := range []string{"true", "TRUE", "Yes", "1"} {
		b, err := parseBool(tok)
		require.NoError(t, err, tok)
		assert.True(t, b, tok)
	}
	for _, tok := range []string{"false", "False", "NO", "0"} {
		b, err := parseBool(tok)
		require.NoError(t, err, tok)
		assert.False(t, b, tok)
	}
	for _, tok := range []string{"on", "off", "y", "2", ""} {
		_, err := parseBool(tok)
		assert.Error(t, err, tok)
	}
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"1024": 1024,
		"5K":   5 << 10,
		"10M":  10 << 20,
		"2g":   2 << 30,
	}
	for in, want := range tests {
		got, err := parseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "M", "1.5M", "-1K", "0", "10T"} {
		_, err := parseSize(in)
		assert.Error(t, err, in)
	}
}

func TestFailedInstances(t *testing.T) {
	broken := tenantSection()
	delete(broken, "MailPassword")
	delete(broken, "DBHost")
	bad := tenantSection()
	bad["Interval"] = "soon"

	_, err := Resolve(baseDefaults(), map[string]InstanceSection{
		"good":   tenantSection(),
		"broken": broken,
		"bad":    bad,
	}, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"bad", "broken"}, FailedInstances(err))
	assert.Equal(t, []string{"bad"}, FailedInstances(fmt.Errorf("reload: %w", &ResolutionError{Instance: "bad", Err: ErrInvalidValue})))
	assert.Empty(t, FailedInstances(nil))
	assert.Empty(t, FailedInstances(errors.New("unrelated")))
}
