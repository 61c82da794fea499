package reminder

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/notify"
	"github.com/shopspring/decimal"
)

// Messages renders reminder content. A channel's template SID, when set,
// makes WhatsApp reminders use the approved provider template instead of a
// free-text body.
type Messages struct {
	ClinicName             string
	InstallmentTemplateSID string
	AppointmentTemplateSID string
}

var installmentEmail = template.Must(template.New("installment").Parse(`<p>Hola {{.Name}},</p>
{{if .Overdue}}<p>Tu cuota {{.Index}} de {{.Count}} por <strong>{{.Amount}}</strong> venció el {{.DueDate}} ({{.DaysOverdue}} días de atraso).</p>
<p>Por favor regulariza tu pago lo antes posible.</p>
{{else}}<p>Te recordamos que tu cuota {{.Index}} de {{.Count}} por <strong>{{.Amount}}</strong> vence el {{.DueDate}}.</p>
{{end}}<p>Saldo pendiente del plan "{{.Description}}": {{.Remaining}}.</p>
<p>{{.Clinic}}</p>
`))

var appointmentEmail = template.Must(template.New("appointment").Parse(`<p>Hola {{.Name}},</p>
<p>Te recordamos tu cita el {{.Date}} a las {{.Time}}.</p>
{{if .Notes}}<p>{{.Notes}}</p>
{{end}}<p>{{.Clinic}}</p>
`))

type installmentView struct {
	Name        string
	Index       int
	Count       int
	Amount      string
	DueDate     string
	DaysOverdue int
	Overdue     bool
	Description string
	Remaining   string
	Clinic      string
}

type appointmentView struct {
	Name   string
	Date   string
	Time   string
	Notes  string
	Clinic string
}

// Installment renders the reminder for a plan's next unpaid installment.
func (m Messages) Installment(ch billing.Channel, patient billing.Patient, plan billing.InstallmentPlan, state billing.DueState) (notify.Content, error) {
	if state.Next == nil {
		return notify.Content{}, fmt.Errorf("plan %s has no unpaid installment", plan.ID)
	}
	v := installmentView{
		Name:        patient.Name,
		Index:       state.Next.Index,
		Count:       plan.InstallmentCount,
		Amount:      FormatAmount(state.Next.Amount),
		DueDate:     state.Next.DueDate.Format(billing.DateLayout),
		DaysOverdue: state.DaysOverdue,
		Overdue:     state.Class == billing.Overdue,
		Description: plan.Description,
		Remaining:   FormatAmount(plan.Remaining()),
		Clinic:      m.ClinicName,
	}

	subject := "Recordatorio de cuota"
	if v.Overdue {
		subject = "Cuota vencida"
	}

	if ch == billing.ChannelWhatsApp {
		if m.InstallmentTemplateSID != "" {
			return notify.Content{
				Subject:    subject,
				TemplateID: m.InstallmentTemplateSID,
				Variables: map[string]string{
					"1": v.Name,
					"2": strconv.Itoa(v.Index),
					"3": v.Amount,
					"4": v.DueDate,
				},
			}, nil
		}
		text := fmt.Sprintf("Hola %s, te recordamos que tu cuota %d de %d por %s vence el %s.", v.Name, v.Index, v.Count, v.Amount, v.DueDate)
		if v.Overdue {
			text = fmt.Sprintf("Hola %s, tu cuota %d de %d por %s venció el %s. Por favor regulariza tu pago.", v.Name, v.Index, v.Count, v.Amount, v.DueDate)
		}
		return notify.Content{Subject: subject, Text: text}, nil
	}

	var buf bytes.Buffer
	if err := installmentEmail.Execute(&buf, v); err != nil {
		return notify.Content{}, fmt.Errorf("failed to render installment email: %w", err)
	}
	return notify.Content{Subject: subject, HTML: buf.String()}, nil
}

// Appointment renders an upcoming-appointment reminder.
func (m Messages) Appointment(ch billing.Channel, patient billing.Patient, appt billing.Appointment) (notify.Content, error) {
	v := appointmentView{
		Name:   patient.Name,
		Date:   appt.ScheduledAt.Format(billing.DateLayout),
		Time:   appt.ScheduledAt.Format("15:04"),
		Notes:  appt.Notes,
		Clinic: m.ClinicName,
	}
	subject := "Recordatorio de cita"

	if ch == billing.ChannelWhatsApp {
		if m.AppointmentTemplateSID != "" {
			return notify.Content{
				Subject:    subject,
				TemplateID: m.AppointmentTemplateSID,
				Variables:  map[string]string{"1": v.Name, "2": v.Date, "3": v.Time},
			}, nil
		}
		return notify.Content{
			Subject: subject,
			Text:    fmt.Sprintf("Hola %s, te recordamos tu cita el %s a las %s.", v.Name, v.Date, v.Time),
		}, nil
	}

	var buf bytes.Buffer
	if err := appointmentEmail.Execute(&buf, v); err != nil {
		return notify.Content{}, fmt.Errorf("failed to render appointment email: %w", err)
	}
	return notify.Content{Subject: subject, HTML: buf.String()}, nil
}

// FormatAmount prints whole amounts without decimals and others with two.
func FormatAmount(d decimal.Decimal) string {
	if d.Equal(d.Truncate(0)) {
		return d.StringFixed(0)
	}
	return d.StringFixed(2)
}

// subjectOrTemplate is what the ledger stores to identify the message.
func subjectOrTemplate(c notify.Content) string {
	if c.TemplateID != "" {
		return c.TemplateID
	}
	return c.Subject
}
