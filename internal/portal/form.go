package portal

import (
	"bytes"

	"raingauge/internal/credentials"
)

const (
	maxFormSSID     = credentials.MaxSSIDLen - 1
	maxFormPassword = credentials.MaxPassphraseLen - 1

	ssidPrefix     = "ssid="
	passwordPrefix = "&password="
)

// ParseForm extracts credentials from a body shaped like
// "ssid=<value>&password=<value>". The SSID runs to the first '&' and the
// password to the first whitespace after optional leading whitespace. Values
// past 31 and 63 bytes are truncated. Nothing is URL-decoded. A body that does
// not start with "ssid=" yields empty credentials; a missing password section
// yields an empty passphrase.
func ParseForm(body []byte) credentials.Credentials {
	var c credentials.Credentials

	rest, ok := bytes.CutPrefix(body, []byte(ssidPrefix))
	if !ok {
		return c
	}

	end := bytes.IndexByte(rest, '&')
	if end < 0 {
		end = len(rest)
	}
	c.SSID = string(truncate(rest[:end], maxFormSSID))
	rest = rest[end:]

	rest, ok = bytes.CutPrefix(rest, []byte(passwordPrefix))
	if !ok {
		return c
	}

	rest = bytes.TrimLeft(rest, " \t\r\n\v\f")
	end = bytes.IndexAny(rest, " \t\r\n\v\f")
	if end < 0 {
		end = len(rest)
	}
	// Bodies from fixed-size buffers may carry NUL padding.
	if nul := bytes.IndexByte(rest[:end], 0); nul >= 0 {
		end = nul
	}
	c.Passphrase = string(truncate(rest[:end], maxFormPassword))
	return c
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
