package utils

import (
	"regexp"
	"strings"
	"unicode"
)

// maxSanitizePasses bounds the fixpoint loop. Every rule only removes characters or
// inserts a single space in front of a non-space, so the text settles after a couple of passes.
const maxSanitizePasses = 8

var (
	markerRe      = regexp.MustCompile(`[*#]+`)
	letterDigitRe = regexp.MustCompile(`(\p{L})(\d)`)
	colonRe       = regexp.MustCompile(`:(\S)`)
	citationRe    = regexp.MustCompile(`【[^】]*】`)
	periodRe      = regexp.MustCompile(`\.([^\s\d.,;:!?)\]}"'»])`)

	textWrapperRe = regexp.MustCompile(`\\(?:text|textbf|textit|textrm|mathrm|mathbf|operatorname)\s*\{([^{}]*)\}`)
	fracRe        = regexp.MustCompile(`(\S?)\\[dt]?frac\s*\{([^{}]*)\}\s*\{([^{}]*)\}`)
	timesRe       = regexp.MustCompile(`\s*\\(?:times|cdot)\s*`)
	approxRe      = regexp.MustCompile(`\s*\\approx\s*`)
	leftRe        = regexp.MustCompile(`\\left\s*\\?[(\[{]`)
	rightRe       = regexp.MustCompile(`\\right\s*\\?[)\]}]`)
	mathDelimRe   = regexp.MustCompile(`\\[()\[\]]|\$\$`)
	inlineMathRe  = regexp.MustCompile(`\$([^\s$](?:[^$\n]*[^\s$])?)\$`)
	spacingRe     = regexp.MustCompile(`\\(?:quad|qquad|[,;! ])`)
	unitRe        = regexp.MustCompile(`(\d)(€|EUR|euros?|días|dias|days|horas|hours|meses|años)`)
)

// Sanitize turns raw streamed completion text into display text: markdown markers and
// citation brackets are dropped, spacing is repaired and math markup is rewritten in
// plain notation. The rules run in order and repeat until the text stops changing, so
// Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	for i := 0; i < maxSanitizePasses; i++ {
		next := sanitizePass(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

func sanitizePass(text string) string {
	text = markerRe.ReplaceAllString(text, "")
	text = letterDigitRe.ReplaceAllString(text, "${1} ${2}")
	text = colonRe.ReplaceAllString(text, ": ${1}")
	text = dehyphenate(text)
	text = citationRe.ReplaceAllString(text, "")
	text = periodRe.ReplaceAllString(text, ". ${1}")
	return normalizeMath(text)
}

// dehyphenate replaces a hyphen followed by a word character with a space.
// Numeric ranges and dates ("2020-2024") and negative amounts ("-5") keep their hyphen.
func dehyphenate(text string) string {
	if !strings.Contains(text, "-") {
		return text
	}
	runes := []rune(text)
	for i, r := range runes {
		if r != '-' || i+1 >= len(runes) || !isWordRune(runes[i+1]) {
			continue
		}
		if unicode.IsDigit(runes[i+1]) && (i == 0 || unicode.IsDigit(runes[i-1]) || unicode.IsSpace(runes[i-1])) {
			continue
		}
		runes[i] = ' '
	}
	return string(runes)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func normalizeMath(text string) string {
	if !strings.ContainsAny(text, `\$`) {
		return unitRe.ReplaceAllString(text, "${1} ${2}")
	}
	text = textWrapperRe.ReplaceAllString(text, "${1}")
	text = fracRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := fracRe.FindStringSubmatch(m)
		prefix, num, den := sub[1], strings.TrimSpace(sub[2]), strings.TrimSpace(sub[3])
		out := "(" + num + "/" + den + ")"
		if prefix != "" && prefix != "(" {
			return prefix + " " + out
		}
		return prefix + out
	})
	text = timesRe.ReplaceAllString(text, " x ")
	text = approxRe.ReplaceAllString(text, " ≈ ")
	text = leftRe.ReplaceAllString(text, "(")
	text = rightRe.ReplaceAllString(text, ")")
	text = mathDelimRe.ReplaceAllString(text, "")
	text = stripInlineMath(text)
	text = spacingRe.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, `\`, "")
	return unitRe.ReplaceAllString(text, "${1} ${2}")
}

// stripInlineMath drops the delimiters of $...$ spans. The content must not start or end
// with a space, and a closing dollar followed by a digit ("$5 o $10") reads as money.
func stripInlineMath(text string) string {
	matches := inlineMathRe.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return text
	}
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		if m[1] < len(text) && text[m[1]] >= '0' && text[m[1]] <= '9' {
			continue
		}
		sb.WriteString(text[last:m[0]])
		sb.WriteString(text[m[2]:m[3]])
		last = m[1]
	}
	sb.WriteString(text[last:])
	return sb.String()
}
