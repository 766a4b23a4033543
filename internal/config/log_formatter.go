package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	colorRed         = 31
	colorGreen       = 32
	colorYellow      = 33
	colorBlue        = 36
	colorGray        = 37
	colorLightGreen  = 92
	colorLightYellow = 93
	colorCyan        = 96
)

// NbFormatter renders logrus entries as colored key=value lines with stable field order.
// Object is printed right after the timestamp since every component logs with it.
type NbFormatter struct {
	NoColor bool
}

func (f *NbFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b strings.Builder

	levelColor := colorBlue
	switch entry.Level {
	case log.DebugLevel, log.TraceLevel:
		levelColor = colorGray
	case log.WarnLevel:
		levelColor = colorYellow
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		levelColor = colorRed
	}

	f.pair(&b, "level", strings.ToUpper(entry.Level.String())[:4], levelColor)
	f.pair(&b, "ts", entry.Time.Format("2006-01-02 15:04:05.000"), colorLightYellow)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "object" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if _, ok := entry.Data["object"]; ok {
		keys = append([]string{"object"}, keys...)
	}

	for _, k := range keys {
		m, err := json.Marshal(entry.Data[k])
		if err != nil || len(m) == 0 {
			continue
		}
		s := string(m)
		valueColor := colorCyan
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			valueColor = colorGreen
		} else if strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") {
			valueColor = colorLightYellow
		}
		f.pair(&b, k, s, valueColor)
	}
	f.pair(&b, "msg", strconv.Quote(entry.Message), colorLightGreen)

	output := strings.ReplaceAll(b.String(), "\r", "\\r")
	output = strings.ReplaceAll(output, "\n", "\\n")
	return []byte(strings.TrimPrefix(output, " ") + "\n"), nil
}

func (f *NbFormatter) pair(b *strings.Builder, key, value string, valueColor int) {
	if f.NoColor {
		fmt.Fprintf(b, " %s=%s", key, value)
		return
	}
	fmt.Fprintf(b, " \x1b[%dm%s\x1b[0m=\x1b[%dm%s\x1b[0m", colorCyan, key, valueColor, value)
}
