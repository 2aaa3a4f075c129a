package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Mailer delivers notifications over SMTP.
type Mailer struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewMailer creates an SMTP-backed dispatcher
func NewMailer(config Config) *Mailer {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Mailer{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if SMTP is configured
func (m *Mailer) IsConfigured() bool {
	return m.config.Host != "" && m.config.Port != "" && m.config.From != ""
}

var kindSubjects = map[Kind]string{
	KindSubmitted:         "Surat diajukan untuk persetujuan",
	KindAwaitingSecondary: "Surat menunggu tanda tangan kedua",
	KindApproved:          "Surat disetujui",
	KindRejected:          "Surat ditolak",
	KindRevised:           "Surat dikembalikan untuk revisi",
	KindSent:              "Surat telah dikirim",
	KindArchived:          "Surat diarsipkan",
	KindSLABreach:         "Surat melewati batas waktu persetujuan",
}

// Dispatch renders the event into an email and sends it to the event's
// recipients. Events without recipients are dropped silently.
func (m *Mailer) Dispatch(_ context.Context, event Event) error {
	if len(event.Recipients) == 0 {
		return nil
	}
	subject, ok := kindSubjects[event.Kind]
	if !ok {
		subject = "Pemberitahuan surat"
	}
	if event.LetterNumber != "" {
		subject = subject + ": " + event.LetterNumber
	}

	html, err := renderTemplate(letterEventTemplate, event)
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}
	return m.SendHTMLEmail(event.Recipients, subject, html)
}

// SendEmail sends a plain text email
func (m *Mailer) SendEmail(to []string, subject, body string) error {
	if !m.IsConfigured() {
		return fmt.Errorf("smtp not configured")
	}

	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(m.server, m.auth, m.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email with a plain text fallback part
func (m *Mailer) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !m.IsConfigured() {
		return fmt.Errorf("smtp not configured")
	}

	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	boundary := "boundary-surat"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Buka email ini dengan klien yang mendukung HTML.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(m.server, m.auth, m.config.From, to, msg.Bytes())
}

// VerificationData holds data for the account verification email
type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

// PasswordResetData holds data for the password reset email
type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

// SendVerificationEmail sends an email verification email
func (m *Mailer) SendVerificationEmail(to, userName, verificationURL string) error {
	data := VerificationData{
		AppName:         "Surat SP-PIPS",
		UserName:        userName,
		VerificationURL: verificationURL,
	}

	subject := "Verifikasi akun Surat SP-PIPS"
	html, err := renderTemplate(verificationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}

	return m.SendHTMLEmail([]string{to}, subject, html)
}

// SendPasswordResetEmail sends a password reset email
func (m *Mailer) SendPasswordResetEmail(to, userName, resetURL string) error {
	data := PasswordResetData{
		AppName:  "Surat SP-PIPS",
		UserName: userName,
		ResetURL: resetURL,
	}

	subject := "Atur ulang kata sandi Surat SP-PIPS"
	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}

	return m.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const letterEventTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #b91c1c; padding-bottom: 10px; margin-bottom: 20px; }
        .meta { background: #f8f8f8; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Surat SP-PIPS</h1>
    </div>

    <p>Perihal: <strong>{{.Subject}}</strong></p>

    <div class="meta">
        {{if .LetterNumber}}<p>Nomor surat: {{.LetterNumber}}</p>{{end}}
        {{if .UnitName}}<p>Unit: {{.UnitName}}</p>{{end}}
        {{if .ActorName}}<p>Oleh: {{.ActorName}}</p>{{end}}
        {{if .Note}}<p>Catatan: {{.Note}}</p>{{end}}
    </div>

    <div class="footer">
        <p>Email ini dikirim otomatis oleh sistem persuratan SP-PIPS.</p>
    </div>
</body>
</html>`

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verifikasi akun {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #b91c1c; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #b91c1c; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #b91c1c; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Selamat datang, {{.UserName}}!</h2>

    <p>Terima kasih telah mendaftar. Silakan verifikasi alamat email Anda untuk mengaktifkan akun.</p>

    <p>
        <a href="{{.VerificationURL}}" class="button">Verifikasi Email</a>
    </p>

    <p>Atau salin tautan berikut ke peramban Anda:</p>
    <p class="link">{{.VerificationURL}}</p>

    <p>Tautan verifikasi ini berlaku selama 24 jam.</p>

    <div class="footer">
        <p>Jika Anda tidak membuat akun di {{.AppName}}, abaikan email ini.</p>
    </div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Atur ulang kata sandi {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #b91c1c; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #b91c1c; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #b91c1c; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Permintaan Atur Ulang Kata Sandi</h2>

    <p>Halo {{.UserName}},</p>

    <p>Kami menerima permintaan untuk mengatur ulang kata sandi Anda. Klik tombol di bawah untuk membuat kata sandi baru:</p>

    <p>
        <a href="{{.ResetURL}}" class="button">Atur Ulang Kata Sandi</a>
    </p>

    <p>Atau salin tautan berikut ke peramban Anda:</p>
    <p class="link">{{.ResetURL}}</p>

    <div class="warning">
        <strong>Penting:</strong> Tautan ini berlaku selama 1 jam.
    </div>

    <div class="footer">
        <p>Jika Anda tidak meminta pengaturan ulang, abaikan email ini. Kata sandi Anda tetap berlaku.</p>
    </div>
</body>
</html>`
