package responder

import (
	"fmt"
	"strings"

	"github.com/xaenox/wa-responder/pkg/config"
)

// Templates renders the fixed replies sent without asking a model.
type Templates struct {
	business config.BusinessConfig
}

func NewTemplates(business config.BusinessConfig) *Templates {
	return &Templates{business: business}
}

func (t *Templates) Emergency() string {
	return fmt.Sprintf(
		"⚠️ Acil durumunuz için üzgünüz.\n\n"+
			"Lütfen hemen şu numaradan arayın:\n"+
			"📞 %s\n\n"+
			"Veya acil sağlık hizmetleri için 112'yi arayabilirsiniz.",
		t.business.Phone)
}

func (t *Templates) OutsideHours() string {
	var b strings.Builder
	b.WriteString("Merhaba! 👋\n\n")
	b.WriteString("Mesajınız için teşekkür ederiz. Şu anda mesai saatleri dışındayız.\n\n")
	fmt.Fprintf(&b, "📅 Çalışma Saatlerimiz:\n%s\n\n", t.business.WorkingHours)
	b.WriteString("Mesajınızı aldık ve çalışma saatlerimiz içinde size dönüş yapacağız.\n\n")
	fmt.Fprintf(&b, "Acil durumlar için: %s\n\n", t.business.Phone)
	b.WriteString("İyi günler dileriz! 🌟")
	if t.business.Name != "" {
		b.WriteString("\n\n" + t.business.Name)
	}
	return b.String()
}

// Handoff is sent once the automated reply budget of a conversation is spent.
func (t *Templates) Handoff() string {
	return fmt.Sprintf(
		"Mesajınız için teşekkür ederiz! 🙏\n\n"+
			"Detaylı bilgi ve yardım için %s size çok kısa sürede dönüş yapacaktır.\n\n"+
			"Acil durumlar için: %s",
		t.business.Therapist, t.business.Phone)
}

// Fallback replaces a model answer that could not be produced.
func (t *Templates) Fallback() string {
	return fmt.Sprintf(
		"Mesajınızı aldık! 📩\n\n"+
			"%s size en kısa sürede dönüş yapacaktır.\n\n"+
			"Acil durumlar için: %s",
		t.business.Therapist, t.business.Phone)
}

// SystemPrompt describes the assistant role and the business the model speaks for.
func (t *Templates) SystemPrompt() string {
	b := t.business
	name := b.Name
	if name == "" {
		name = "kliniğimiz"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sen %s kliniğinin yardımcı asistanısın.\n\n", name)
	sb.WriteString("GÖREV:\n")
	sb.WriteString("- Gelen mesajlara profesyonel, yardımsever ve dostane bir şekilde yanıt ver\n")
	sb.WriteString("- Randevu taleplerini kaydet ve teyit et\n")
	sb.WriteString("- Karmaşık tıbbi sorular için terapiste yönlendir\n\n")
	sb.WriteString("KLİNİK BİLGİLERİ:\n")
	for _, field := range [][2]string{
		{"İsim", b.Name},
		{"Terapist", b.Therapist},
		{"Telefon", b.Phone},
		{"E-posta", b.Email},
		{"Adres", b.Address},
		{"Çalışma Saatleri", b.WorkingHours},
	} {
		if field[1] != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", field[0], field[1])
		}
	}
	sb.WriteString("\nİLETİŞİM KURALLARI:\n")
	sb.WriteString("1. Her zaman Türkçe yanıt ver\n")
	sb.WriteString("2. Kısa ve net cevaplar ver\n")
	sb.WriteString("3. Tıbbi teşhis koyma, sadece genel bilgi ver\n")
	fmt.Fprintf(&sb, "4. MUTLAKA şu cümleyi ekle: \"Bu otomatik yanıttır. %s size kısa sürede dönüş yapacaktır.\"\n", b.Therapist)
	return sb.String()
}
