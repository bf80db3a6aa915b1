package checkout

import (
	"fmt"
	"html/template"
	"sort"
	"strings"
)

// Gateway endpoints selected by the paymentData "sandbox" flag.
const (
	gatewayProductionURL = "https://pay.glamlocks.com/process"
	gatewaySandboxURL    = "https://sandbox.pay.glamlocks.com/process"
)

var paymentFormTemplate = template.Must(template.New("paymentForm").Parse(`<!DOCTYPE html>
<html>
<body onload="document.forms[0].submit()">
<form method="POST" action="{{.Action}}">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- end}}
</form>
</body>
</html>
`))

type paymentFormField struct {
	Name  string
	Value string
}

type paymentFormData struct {
	Action string
	Fields []paymentFormField
}

// BuildPaymentForm renders the auto-submitting POST form used for the
// payment gateway handoff. The form action is chosen by the "sandbox"
// flag; every other paymentData key becomes a hidden input verbatim.
func BuildPaymentForm(paymentData map[string]interface{}) (string, error) {
	if len(paymentData) == 0 {
		return "", fmt.Errorf("payment data is empty")
	}

	action := gatewayProductionURL
	if sandbox, ok := paymentData["sandbox"].(bool); ok && sandbox {
		action = gatewaySandboxURL
	}

	fields := make([]paymentFormField, 0, len(paymentData))
	for key, value := range paymentData {
		if key == "sandbox" {
			continue
		}
		fields = append(fields, paymentFormField{
			Name:  key,
			Value: stringify(value),
		})
	}
	// Stable field order keeps the handoff reproducible.
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	var sb strings.Builder
	err := paymentFormTemplate.Execute(&sb, paymentFormData{Action: action, Fields: fields})
	if err != nil {
		return "", fmt.Errorf("failed to render payment form: %w", err)
	}
	return sb.String(), nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; render integers plainly.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
