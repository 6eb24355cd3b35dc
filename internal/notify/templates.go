package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

type tmpl struct {
	subject *template.Template
	body    *template.Template
}

func mustTemplate(kind Kind, subject, body string) tmpl {
	return tmpl{
		subject: template.Must(template.New(string(kind) + ".subject").Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New(string(kind) + ".body").Option("missingkey=zero").Parse(body)),
	}
}

// Template keys: OrganizationName, InviterName, Role, Message, AcceptURL, ExpiresAt,
// FromName, ToName, Reason.
var templates = map[Kind]tmpl{
	KindInvitation: mustTemplate(KindInvitation,
		`You have been invited to join {{.OrganizationName}}`,
		`Hello{{with .Recipient}} {{.}}{{end}},

{{.InviterName}} has invited you to join {{.OrganizationName}} as {{.Role}}.
{{with .Message}}
"{{.}}"
{{end}}
Accept the invitation: {{.AcceptURL}}

The invitation expires on {{.ExpiresAt}}.
`),
	KindTransferRequested: mustTemplate(KindTransferRequested,
		`{{.FromName}} wants to transfer ownership of {{.OrganizationName}} to you`,
		`Hello{{with .Recipient}} {{.}}{{end}},

{{.FromName}} has asked you to become the owner of {{.OrganizationName}}. Accepting makes you the
owner and changes their role to admin.
{{with .Reason}}
Reason: {{.}}
{{end}}{{with .Message}}
"{{.}}"
{{end}}
Review the request: {{.AcceptURL}}

The request expires on {{.ExpiresAt}}.
`),
	KindTransferInitiated: mustTemplate(KindTransferInitiated,
		`Ownership transfer of {{.OrganizationName}} requested`,
		`Hello{{with .Recipient}} {{.}}{{end}},

You asked {{.ToName}} to take over ownership of {{.OrganizationName}}. You stay the owner until
they accept. The request expires on {{.ExpiresAt}}.
`),
	KindTransferAccepted: mustTemplate(KindTransferAccepted,
		`Ownership of {{.OrganizationName}} has been transferred`,
		`Hello{{with .Recipient}} {{.}}{{end}},

{{.ToName}} is now the owner of {{.OrganizationName}}. {{.FromName}} has been made an admin.
`),
	KindTransferCancelled: mustTemplate(KindTransferCancelled,
		`Ownership transfer of {{.OrganizationName}} cancelled`,
		`Hello{{with .Recipient}} {{.}}{{end}},

The pending ownership transfer of {{.OrganizationName}} from {{.FromName}} to {{.ToName}} has been
cancelled. No roles were changed.
`),
	KindTransferExpired: mustTemplate(KindTransferExpired,
		`Ownership transfer of {{.OrganizationName}} expired`,
		`Hello{{with .Recipient}} {{.}}{{end}},

Your request to transfer ownership of {{.OrganizationName}} to {{.ToName}} expired before it was
accepted. You remain the owner.
`),
}

// Render produces the subject and plain-text body for kind.
func Render(kind Kind, to Recipient, data Data) (Message, error) {
	t, ok := templates[kind]
	if !ok {
		return Message{}, fmt.Errorf("unknown notification kind: %s", kind)
	}

	values := make(map[string]any, len(data)+1)
	for k, v := range data {
		values[k] = v
	}
	if _, ok := values["Recipient"]; !ok {
		values["Recipient"] = to.Name
	}

	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, values); err != nil {
		return Message{}, fmt.Errorf("failed to render %s subject: %w", kind, err)
	}
	if err := t.body.Execute(&body, values); err != nil {
		return Message{}, fmt.Errorf("failed to render %s body: %w", kind, err)
	}
	return Message{Subject: subject.String(), Body: body.String()}, nil
}
