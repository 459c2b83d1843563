package relay

import (
	"fmt"
	"strings"
	"text/template"
)

// Kind names a message template.
type Kind string

const (
	KindLoginLink        Kind = "login-link"
	KindBookingConfirmed Kind = "booking-confirmed"
	KindPaymentReceived  Kind = "payment-received"
	KindPaymentVerified  Kind = "payment-verified"
	KindDoctorReady      Kind = "doctor-ready"
	KindText             Kind = "text"
)

// Fields carries template inputs. Which ones are required depends on the Kind.
type Fields struct {
	Brand      string `json:"-"`
	Name       string `json:"name,omitempty"`
	URL        string `json:"url,omitempty"`
	DoctorName string `json:"doctorName,omitempty"`
	BookingID  string `json:"bookingId,omitempty"`
	MeetLink   string `json:"meetLink,omitempty"`
	Text       string `json:"text,omitempty"`
}

type tmpl struct {
	required []string
	t        *template.Template
}

var templates = map[Kind]tmpl{
	KindLoginLink: {required: []string{"url"}, t: mustParse("login", `🏥 *{{.Brand}}*

مرحباً {{or .Name "المستخدم"}}! 👋

تم طلب تسجيل الدخول إلى حسابك.
A sign-in was requested for your account.

🔗 *رابط تسجيل الدخول / Sign-in link:*
{{.URL}}

⏰ صالح لمدة 15 دقيقة / Valid for 15 minutes
🔒 يعمل لمرة واحدة فقط / Single use

⚠️ *تحذير:* لا تشارك هذا الرابط مع أي شخص!
Do not share this link with anyone.

إذا لم تطلب هذا الرابط، يرجى تجاهل هذه الرسالة.
If you did not request it, ignore this message.`)},

	KindBookingConfirmed: {required: []string{"doctorName", "bookingId"}, t: mustParse("booking", `🏥 *{{.Brand}}*

✅ تم تأكيد حجزك!
Your booking is confirmed!

👨‍⚕️ الطبيب: {{.DoctorName}}
Doctor: {{.DoctorName}}

🔢 رقم الحجز: {{.BookingID}}
Booking ID: {{.BookingID}}

سيتم إشعارك عندما يكون الطبيب جاهزاً.
You'll be notified when the doctor is ready.`)},

	KindPaymentReceived: {t: mustParse("payment-received", `🏥 *{{.Brand}}*

✅ تم استلام إيصال الدفع
Payment receipt received

سيتم التحقق منه خلال 24 ساعة
Will be verified within 24 hours

شكراً لصبرك 🙏
Thank you for your patience`)},

	KindPaymentVerified: {required: []string{"doctorName"}, t: mustParse("payment-verified", `🏥 *{{.Brand}}*

✅ تم التحقق من الدفع!
Payment verified!

حجزك مع {{.DoctorName}} مؤكد الآن
Your booking with {{.DoctorName}} is now confirmed

سيتم إشعارك عندما يكون الطبيب جاهزاً
You'll be notified when the doctor is ready`)},

	KindDoctorReady: {required: []string{"doctorName", "meetLink"}, t: mustParse("doctor-ready", `🏥 *{{.Brand}}*

👨‍⚕️ الطبيب {{.DoctorName}} في انتظارك!
Dr. {{.DoctorName}} is waiting for you!

يرجى دخول غرفة الانتظار:
Please enter the waiting room:

{{.MeetLink}}

⚠️ يرجى الدخول خلال 10 دقائق
Please enter within 10 minutes`)},

	KindText: {required: []string{"text"}, t: mustParse("text", `{{.Text}}`)},
}

func mustParse(name, body string) *template.Template {
	return template.Must(template.New(name).Option("missingkey=error").Parse(body))
}

// Kinds lists the templates the dispatcher can render.
func Kinds() []Kind {
	return []Kind{KindLoginLink, KindBookingConfirmed, KindPaymentReceived, KindPaymentVerified, KindDoctorReady, KindText}
}

// markdown escapes the characters Telegram's Markdown parse mode treats as markup.
var markdown = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// EscapeMarkdown makes s safe to embed in a Markdown message as literal text.
func EscapeMarkdown(s string) string { return markdown.Replace(s) }

// Render validates f against kind and renders the message text. Field values
// are escaped; only the template's own markup is formatted.
func Render(kind Kind, f Fields) (string, error) {
	tp, ok := templates[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
	}
	var missing []string
	for _, name := range tp.required {
		if strings.TrimSpace(f.field(name)) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s requires %s", ErrInvalidMessage, kind, strings.Join(missing, ", "))
	}

	var b strings.Builder
	if err := tp.t.Execute(&b, f.escaped()); err != nil {
		return "", fmt.Errorf("render %s: %w", kind, err)
	}
	return strings.TrimSpace(b.String()), nil
}

func (f Fields) escaped() Fields {
	return Fields{
		Brand:      EscapeMarkdown(f.Brand),
		Name:       EscapeMarkdown(f.Name),
		URL:        EscapeMarkdown(f.URL),
		DoctorName: EscapeMarkdown(f.DoctorName),
		BookingID:  EscapeMarkdown(f.BookingID),
		MeetLink:   EscapeMarkdown(f.MeetLink),
		Text:       EscapeMarkdown(f.Text),
	}
}

func (f Fields) field(name string) string {
	switch name {
	case "name":
		return f.Name
	case "url":
		return f.URL
	case "doctorName":
		return f.DoctorName
	case "bookingId":
		return f.BookingID
	case "meetLink":
		return f.MeetLink
	case "text":
		return f.Text
	}
	return ""
}
