package sendgrid

import (
	htmltemplate "html/template"
	texttemplate "text/template"
)

const subjectShipped = "Your Card Quest Games order has shipped"

var plainShipped = texttemplate.Must(texttemplate.New("shipped.txt").Parse(`Hi {{.Name}},

Good news: your order is on its way.

{{range .Items}}- {{.Name}} x{{.Quantity}}
{{end}}
Shipping to:
{{.Address.Name}}
{{.Address.Line1}}{{if .Address.Line2}}, {{.Address.Line2}}{{end}}
{{.Address.City}}, {{.Address.State}} {{.Address.PostalCode}}

{{if .TrackingCode}}Carrier: {{.Carrier}} {{.Service}}
Tracking number: {{.TrackingCode}}
{{end}}
Thanks for shopping with us!
`))

var htmlShipped = htmltemplate.Must(htmltemplate.New("shipped.html").Parse(`<p>Hi {{.Name}},</p>
<p>Good news: your order is on its way.</p>
<ul>
{{range .Items}}<li>{{.Name}} &times; {{.Quantity}}</li>
{{end}}</ul>
<p>Shipping to:<br>
{{.Address.Name}}<br>
{{.Address.Line1}}{{if .Address.Line2}}, {{.Address.Line2}}{{end}}<br>
{{.Address.City}}, {{.Address.State}} {{.Address.PostalCode}}</p>
{{if .TrackingCode}}<p>Carrier: {{.Carrier}} {{.Service}}<br>
Tracking number: <strong>{{.TrackingCode}}</strong></p>
{{end}}<p>Thanks for shopping with us!</p>
`))
