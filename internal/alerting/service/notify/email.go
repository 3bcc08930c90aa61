package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailSender struct {
	service  string
	sendMail SendMailFunc
}

func NewEmailSender(service string) *EmailSender {
	return &EmailSender{service: service, sendMail: smtp.SendMail}
}

var emailTemplate = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html><body style="font-family:Arial,sans-serif">
<div style="background:{{.Color}};color:#fff;padding:16px">
<h2 style="margin:0">[{{.SeverityUpper}}] {{.Alert.Name}}</h2>
<p style="margin:4px 0 0 0">{{.Service}} · {{.Alert.Status}}</p>
</div>
<div style="padding:16px">
{{if .Alert.Description}}<p>{{.Alert.Description}}</p>{{end}}
<table cellpadding="4">
<tr><td><b>Severity</b></td><td>{{.Alert.Severity}}</td></tr>
<tr><td><b>Status</b></td><td>{{.Alert.Status}}</td></tr>
<tr><td><b>Value</b></td><td>{{.Alert.Value}}</td></tr>
<tr><td><b>Threshold</b></td><td>{{.Alert.Threshold}}</td></tr>
<tr><td><b>Fired at</b></td><td>{{.Alert.FiredAt.UTC.Format "2006-01-02 15:04:05 MST"}}</td></tr>
{{range $k, $v := .Alert.Labels}}<tr><td><b>{{$k}}</b></td><td>{{$v}}</td></tr>
{{end}}</table>
</div>
</body></html>
`))

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// emailSubject is single-line; alert names come from API callers.
func emailSubject(a model.Alert) string {
	name := headerBreaks.Replace(a.Name)
	return fmt.Sprintf("[%s] Voice Agent Alert: %s", strings.ToUpper(string(a.Severity)), name)
}

func renderEmailBody(a model.Alert, service string) (string, error) {
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		Alert         model.Alert
		Color         string
		SeverityUpper string
		Service       string
	}{a, severityColor(a), strings.ToUpper(string(a.Severity)), service})
	if err != nil {
		return "", fmt.Errorf("render email body: %w", err)
	}
	return buf.String(), nil
}

func (e *EmailSender) Send(ctx context.Context, alert model.Alert, cfg ChannelConfig) error {
	st := cfg.Email
	if st == nil {
		return ErrInvalidChannelConfig
	}
	body, err := renderEmailBody(alert, e.service)
	if err != nil {
		return err
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", st.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(st.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", emailSubject(alert)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)

	port := st.SMTPPort
	if port == 0 {
		port = 587
	}
	var auth smtp.Auth
	if st.Username != "" {
		auth = smtp.PlainAuth("", st.Username, st.Password, st.SMTPHost)
	}
	addr := net.JoinHostPort(st.SMTPHost, strconv.Itoa(port))

	// smtp.SendMail has no context; run it aside so cancellation still returns promptly
	errCh := make(chan error, 1)
	go func() { errCh <- e.sendMail(addr, auth, st.From, st.To, msg.Bytes()) }()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("send mail via %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
