package discovery

import (
	"net/url"
	"regexp"
	"strings"
)

// placeholderPattern matches optional template parameters such as <ui=UI_LLCC&>.
var placeholderPattern = regexp.MustCompile(`<[^>]*>`)

// LaunchURL fills a discovery URL template with the WOPISrc locator of the
// target document. Optional template placeholders are dropped.
func LaunchURL(template, wopiSrc string) (string, error) {
	base := placeholderPattern.ReplaceAllString(template, "")
	if _, err := url.Parse(base); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(base)
	switch {
	case strings.HasSuffix(base, "?"), strings.HasSuffix(base, "&"):
	case strings.Contains(base, "?"):
		sb.WriteByte('&')
	default:
		sb.WriteByte('?')
	}
	sb.WriteString("WOPISrc=")
	sb.WriteString(url.QueryEscape(wopiSrc))
	return sb.String(), nil
}
