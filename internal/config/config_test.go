package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"
)

const sampleINI = `
[DEFAULT]
MailHost = mail.lcn.com
MailFolder = Inbox
DBPort = 3306
DBName = asterisk
DBUser = mailbot
Interval = 60
CheckAll = True

[Logging]
LogFile = /var/log/mailbot/mailbot.log
MaxBytes = 2M
BackupCount = 7
RotateOnStartup = yes
checkall = false

[Alerts]
SMTPHost = smtp.example.com
SMTPUser = mailbot@example.com
AlertTo = ops@example.com, oncall@example.com

[sales]
MailUser = sales@example.com
MailPassword = secret
DBHost = 10.0.0.5
DBPassword = dbsecret

[support]
MailUser = support@example.com
MailPassword = secret2
DBHost = 10.0.0.6
DBPassword = dbsecret2
Interval = 30
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sampleINI))
	require.NoError(t, err)

	assert.Equal(t, "mail.lcn.com", f.Defaults["MailHost"])
	assert.Contains(t, f.Sections, "sales")
	assert.Contains(t, f.Sections, LoggingSection)
	assert.NotContains(t, f.Sections, DefaultSection)

	assert.Equal(t, "/var/log/mailbot/mailbot.log", f.Logging.LogFile)
	assert.Equal(t, int64(2<<20), f.Logging.MaxBytes)
	assert.Equal(t, 7, f.Logging.BackupCount)
	assert.True(t, f.Logging.RotateOnStartup)
	assert.True(t, f.Logging.Console)
	assert.False(t, f.Logging.Verbose)

	assert.True(t, f.Alerts.Enabled())
	assert.Equal(t, 587, f.Alerts.SMTPPort)
	assert.Equal(t, "mailbot@example.com", f.Alerts.From)
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, f.Alerts.To)

	instances, err := f.Instances()
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "sales", instances[0].Name)
	assert.Equal(t, 60, instances[0].IntervalSeconds)
	assert.Equal(t, "support", instances[1].Name)
	assert.Equal(t, 30, instances[1].IntervalSeconds)
	assert.True(t, instances[1].CheckAll)
}

func TestParseKeysAreCaseSensitive(t *testing.T) {
	f, err := Parse([]byte(`
[DEFAULT]
MailHost = mail.lcn.com
MailFolder = Inbox
DBPort = 3306
DBName = asterisk
DBUser = mailbot
Interval = 60

[sales]
checkall = true
MailUser = sales@example.com
MailPassword = secret
DBHost = 10.0.0.5
DBPassword = dbsecret
`))
	require.NoError(t, err)

	_, err = f.Instances()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "CheckAll")
}

func TestParseLoggingDefaults(t *testing.T) {
	f, err := Parse([]byte("[DEFAULT]\nInterval = 60\n"))
	require.NoError(t, err)

	assert.Empty(t, f.Logging.LogFile)
	assert.Equal(t, int64(10<<20), f.Logging.MaxBytes)
	assert.Equal(t, 5, f.Logging.BackupCount)
	assert.True(t, f.Logging.Console)
	assert.False(t, f.Alerts.Enabled())
}

func TestParseLoggingErrors(t *testing.T) {
	tests := map[string]string{
		"bad size":            "[Logging]\nLogFile = x.log\nMaxBytes = lots\n",
		"bad backup count":    "[Logging]\nLogFile = x.log\nBackupCount = -1\n",
		"bad boolean":         "[Logging]\nConsole = sometimes\n",
		"rotate without file": "[Logging]\nRotateOnStartup = true\n",
		"nowhere to log":      "[Logging]\nConsole = false\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbot.ini")
	require.NoError(t, os.WriteFile(path, []byte(sampleINI), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Sections, 4)

	_, err = Load(filepath.Join(t.TempDir(), "missing.ini"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestDefaultSectionMatchesParser(t *testing.T) {
	assert.Equal(t, ini.DefaultSection, DefaultSection)

	// keys above the first header belong to [DEFAULT] as well
	f, err := Parse([]byte("Interval = 45\n[DEFAULT]\nCheckAll = no\n"))
	require.NoError(t, err)
	assert.Equal(t, "45", f.Defaults["Interval"])
	assert.Equal(t, "no", f.Defaults["CheckAll"])
}

func TestParseZeroBackupCount(t *testing.T) {
	f, err := Parse([]byte("[Logging]\nLogFile = x.log\nBackupCount = 0\n"))
	require.NoError(t, err)
	assert.Zero(t, f.Logging.BackupCount)
}

func TestLoadMergesFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mailbot.ini"), []byte(sampleINI), 0o600))
	confd := filepath.Join(dir, "conf.d")
	require.NoError(t, os.Mkdir(confd, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(confd, "10-billing.ini"), []byte(`
[billing]
MailUser = billing@example.com
MailPassword = secret3
DBHost = 10.0.0.7
DBPassword = dbsecret3
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(confd, "20-override.ini"), []byte(`
[DEFAULT]
Interval = 120

[sales]
DBHost = 10.0.0.50
`), 0o600))

	f, err := Load(filepath.Join(dir, "mailbot.ini"), filepath.Join(confd, "*.ini"))
	require.NoError(t, err)

	instances, err := f.Instances()
	require.NoError(t, err)
	require.Len(t, instances, 3)
	assert.Equal(t, "billing", instances[0].Name)
	assert.Equal(t, 120, instances[0].IntervalSeconds)
	assert.Equal(t, "sales", instances[1].Name)
	assert.Equal(t, "10.0.0.50", instances[1].DBHost)
	assert.Equal(t, "sales@example.com", instances[1].MailUser, "keys of earlier files survive")
	assert.Equal(t, 30, instances[2].IntervalSeconds, "section value beats a later DEFAULT")
}

func TestExpand(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.ini", "a.ini", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	paths, err := Expand(filepath.Join(dir, "notes.txt"), filepath.Join(dir, "*.ini"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "notes.txt"),
		filepath.Join(dir, "a.ini"),
		filepath.Join(dir, "b.ini"),
	}, paths)

	// an empty glob is skipped, a missing literal file is not
	paths, err = Expand(filepath.Join(dir, "a.ini"), filepath.Join(dir, "conf.d", "*.ini"))
	require.NoError(t, err)
	assert.Len(t, paths, 1)

	_, err = Expand(filepath.Join(dir, "none", "*.ini"))
	assert.Error(t, err)
}
