package rule

import (
	"fmt"
	"strings"
)

const trialPlaceholder = "{trial}"

// ValidateTrialTemplate checks that a template contains exactly one {trial}
// placeholder.
func ValidateTrialTemplate(template string) error {
	switch strings.Count(template, trialPlaceholder) {
	case 0:
		return fmt.Errorf("template %q has no %s placeholder", template, trialPlaceholder)
	case 1:
		return nil
	default:
		return fmt.Errorf("template %q has more than one %s placeholder", template, trialPlaceholder)
	}
}

// ExtractTrialID matches path against a {trial} template and returns the
// identifier substring. The match is anchored at both ends and the extracted
// identifier must be non-empty and must not cross a path separator, so each
// raw file maps to at most one identifier.
func ExtractTrialID(template, path string) (string, bool) {
	i := strings.Index(template, trialPlaceholder)
	if i < 0 {
		return "", false
	}
	prefix := template[:i]
	suffix := template[i+len(trialPlaceholder):]

	if len(path) < len(prefix)+len(suffix) {
		return "", false
	}
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := path[len(prefix) : len(path)-len(suffix)]
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", false
	}
	return id, true
}

// RenderTrialPath substitutes the identifier into a {trial} template.
//
// RenderTrialPath and ExtractTrialID are inverses for valid identifiers:
// ExtractTrialID(t, RenderTrialPath(t, id)) == (id, true).
func RenderTrialPath(template, id string) string {
	return strings.Replace(template, trialPlaceholder, id, 1)
}

// RenderCommand substitutes the resolved paths into a recipe command
// template. {input} refers to the first input; {inputs} to all inputs
// space-separated, in declaration order.
func RenderCommand(run, output string, inputs []string, trialID string) string {
	cmd := strings.ReplaceAll(run, "{output}", output)
	first := ""
	if len(inputs) > 0 {
		first = inputs[0]
	}
	cmd = strings.ReplaceAll(cmd, "{inputs}", strings.Join(inputs, " "))
	cmd = strings.ReplaceAll(cmd, "{input}", first)
	cmd = strings.ReplaceAll(cmd, trialPlaceholder, trialID)
	return cmd
}
