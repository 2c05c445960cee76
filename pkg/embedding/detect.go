package embedding

import "strings"

var codeSignals = []string{
	"func ", "def ", "class ", "import ", "return ", "package ",
	"const ", "var ", "=> ", "function ", "#include",
}

// DetectContentType classifies text when the caller did not pass an explicit
// type. Memory and thread content always arrives with an explicit override,
// so this only distinguishes code, config, and prose.
func DetectContentType(text string) ContentType {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ContentGeneral
	}

	for _, sig := range codeSignals {
		if strings.Contains(trimmed, sig) {
			return ContentCode
		}
	}

	// YAML/JSON-looking prefixes mark config payloads.
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") ||
		strings.HasPrefix(trimmed, "---") {
		return ContentConfig
	}
	if line, _, ok := strings.Cut(trimmed, "\n"); ok {
		if key, _, found := strings.Cut(line, ":"); found && !strings.Contains(key, " ") {
			return ContentConfig
		}
	}

	return ContentText
}

// inputPrefix returns the e5-style prefix for index-side inputs. Code is
// embedded with the query prefix so code lookups stay symmetric with the
// query side of the index.
func inputPrefix(ct ContentType) string {
	if ct == ContentCode {
		return "query: "
	}
	return "passage: "
}
