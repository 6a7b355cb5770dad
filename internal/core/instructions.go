package core

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/GolfredoPerezFernandez/remix-daioff/internal/store"
)

// Persona is the static role given to assistants created by this service.
const Persona = `Rol:
Eres un asistente virtual especializado en derecho laboral en España, con acceso al Estatuto de los Trabajadores y a los convenios colectivos sectoriales relevantes. Ofreces respuestas detalladas y completas a las consultas laborales usando la documentación disponible. No sugieras búsquedas adicionales, consultas a otros documentos ni contactar a otros profesionales. Responde en un máximo de 900 caracteres.

Tarea:
1. Analiza la consulta del usuario para identificar palabras clave y frases relevantes.
2. Determina si la respuesta requiere información basada en la legislación laboral disponible.
3. Da una explicación clara basada en el Estatuto de los Trabajadores y los convenios colectivos aplicables. No uses caracteres especiales para destacar palabras o frases.

Detalles:
Trata la información personal identificable de acuerdo con las políticas de privacidad. No incluyas datos personales del usuario en la respuesta.
Si el usuario proporciona el ID de un archivo, busca su contenido para ofrecer una solución definitiva.
Si tienes dudas, ofrece la información más completa posible basada en la documentación disponible.`

// TurnContext is the live data a turn's instructions and user context are rendered from.
type TurnContext struct {
	User      *store.User
	Contract  *store.Contract
	Documents *DocumentHandles
}

var templateFuncs = template.FuncMap{
	"date": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("2006-01-02")
	},
	"yesno": func(b bool) string {
		if b {
			return "sí"
		}
		return "no"
	},
	"money": func(v float64) string {
		return strconv.FormatFloat(v, 'f', 2, 64) + " €"
	},
	"num": func(v float64) string {
		return strconv.FormatFloat(v, 'f', -1, 64)
	},
}

const instructionsTemplate = `{{- with .User -}}
Datos laborales del usuario:
{{- if .Profession}}
- Profesión: {{.Profession}}
{{- end}}
{{- if .Community}}
- Comunidad autónoma: {{.Community}}
{{- end}}
{{- if .Province}}
- Provincia: {{.Province}}
{{- end}}
{{- if .City}}
- Ciudad: {{.City}}
{{- end}}
{{- end}}
{{- with .Contract}}
Contrato:
- Tipo: {{.ContractType}}
- Inicio: {{.StartDate}}{{if .EndDate}}, fin: {{.EndDate}}{{end}}
- Jornada: {{.WorkdayType}}, {{num .WeeklyHours}} horas semanales
- Periodo de prueba: {{yesno .TrialPeriod}}
- Salario bruto: {{money .GrossSalary}}, neto: {{money .NetSalary}}, pagas extra: {{.ExtraPayments}}
- Sector: {{.Sector}}, grupo de cotización: {{.CotizationGroup}}
{{- end}}
{{- with .Documents}}

El usuario ha registrado sus documentos y prefiere que respondas a partir de ellos:
- Nómina: archivo {{.Payroll}}
- Vida laboral: archivo {{.LaborLife}}
- Contrato: archivo {{.Contract}}
Consulta los tres documentos con la búsqueda de archivos. Comprueba que los importes, fechas y categorías coinciden entre ellos y señala cualquier discrepancia.
Si la información que se pide no aparece en los documentos, dilo explícitamente en lugar de suponerla.
{{- end}}`

const userContextTemplate = `User Info:
{{- with .User}}
Name: {{.FirstName}} {{.LastName}}
Email: {{.Email}}
Bio: {{.Bio}}
Gender: {{.Gender}}
Birthday: {{date .Birthday}}
Profession: {{.Profession}}
Community: {{.Community}}
Province: {{.Province}}
City: {{.City}}
{{- end}}
{{- with .Contract}}
Contract Details:
Type: {{.ContractType}}
Start: {{.StartDate}}
End: {{.EndDate}}
Trial period: {{yesno .TrialPeriod}}
Workday: {{.WorkdayType}} ({{num .WeeklyHours}} h/week)
Gross salary: {{money .GrossSalary}}
Net salary: {{money .NetSalary}}
Extra payments: {{.ExtraPayments}}
Sector: {{.Sector}}
Cotization group: {{.CotizationGroup}}
{{- end}}`

var (
	instructionsTmpl = template.Must(template.New("instructions").Funcs(templateFuncs).Parse(instructionsTemplate))
	userContextTmpl  = template.Must(template.New("user_context").Funcs(templateFuncs).Parse(userContextTemplate))
)

// RenderInstructions builds the per-run instructions: labor profile, contract terms and,
// in document mode, the directions to work from the three registered documents.
func RenderInstructions(tc TurnContext) (string, error) {
	return render(instructionsTmpl, tc)
}

// RenderUserContext builds the block appended to the user's message text.
func RenderUserContext(tc TurnContext) (string, error) {
	return render(userContextTmpl, tc)
}

// composeMessageText appends the rendered user context to the text the user typed.
func composeMessageText(text, userContext string) string {
	text = strings.TrimSpace(text)
	if userContext == "" {
		return text
	}
	return text + "\n\n" + userContext
}

func render(t *template.Template, tc TurnContext) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, tc); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}
