package session

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/jmcleod/crmgate/identity"
)

// Message keys. The English text doubles as the key.
const (
	MsgInvalidCredentials = "Invalid login or password"
	MsgNotConfirmed       = "Account has not been confirmed"
	MsgLimitExceeded      = "Login attempt limit exceeded"
	MsgInvalidData        = "Invalid data"
	MsgCodeMismatch       = "Invalid verification code"
	MsgCodeExpired        = "Verification code has expired"
	MsgPasswordPolicy     = "Password does not meet security requirements"
	MsgLoginError         = "Login error"
	MsgResetError         = "Password reset error"
	MsgConfirmResetError  = "Password reset confirmation error"
	MsgLogoutError        = "Logout error"
	MsgNoAccess           = "No access permissions"
)

var polish = map[string]string{
	MsgInvalidCredentials: "Nieprawidłowy login lub hasło",
	MsgNotConfirmed:       "Konto nie zostało potwierdzone",
	MsgLimitExceeded:      "Przekroczono limit prób logowania",
	MsgInvalidData:        "Nieprawidłowe dane",
	MsgCodeMismatch:       "Nieprawidłowy kod weryfikacyjny",
	MsgCodeExpired:        "Kod weryfikacyjny wygasł",
	MsgPasswordPolicy:     "Hasło nie spełnia wymagań bezpieczeństwa",
	MsgLoginError:         "Błąd logowania",
	MsgResetError:         "Błąd resetowania hasła",
	MsgConfirmResetError:  "Błąd potwierdzania resetu hasła",
	MsgLogoutError:        "Błąd wylogowania",
	MsgNoAccess:           "Brak uprawnień dostępu",
}

var messages = newCatalog()

func newCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.Polish))
	for key, pl := range polish {
		if err := b.SetString(language.Polish, key, pl); err != nil {
			panic(fmt.Sprintf("session: polish message %q: %v", key, err))
		}
		if err := b.SetString(language.English, key, key); err != nil {
			panic(fmt.Sprintf("session: english message %q: %v", key, err))
		}
	}
	return b
}

var codeMessages = map[string]string{
	identity.CodeUserNotFound:     MsgInvalidCredentials,
	identity.CodeNotAuthorized:    MsgInvalidCredentials,
	identity.CodeUserNotConfirmed: MsgNotConfirmed,
	identity.CodeLimitExceeded:    MsgLimitExceeded,
	identity.CodeInvalidParameter: MsgInvalidData,
	identity.CodeCodeMismatch:     MsgCodeMismatch,
	identity.CodeExpiredCode:      MsgCodeExpired,
	identity.CodeInvalidPassword:  MsgPasswordPolicy,
}

// Op names the action an error message belongs to.
type Op string

const (
	OpSignIn       Op = "sign-in"
	OpSignOut      Op = "sign-out"
	OpReset        Op = "reset-password"
	OpConfirmReset Op = "confirm-reset-password"
)

var genericMessages = map[Op]string{
	OpSignIn:       MsgLoginError,
	OpSignOut:      MsgLogoutError,
	OpReset:        MsgResetError,
	OpConfirmReset: MsgConfirmResetError,
}

// MessageKey returns the message key for a provider error code raised by
// op, falling back to the operation's generic message.
func MessageKey(op Op, code string) string {
	if key, ok := codeMessages[code]; ok {
		return key
	}
	return genericMessages[op]
}

// Translator renders message keys in one language.
type Translator struct {
	printer *message.Printer
	tag     language.Tag
}

// Supported lists the languages messages are available in.
var Supported = []language.Tag{language.Polish, language.English}

var matcher = language.NewMatcher(Supported)

// NewTranslator returns a Translator for the best supported match of tag.
func NewTranslator(tag language.Tag) *Translator {
	_, idx, _ := matcher.Match(tag)
	best := Supported[idx]
	return &Translator{printer: message.NewPrinter(best, message.Catalog(messages)), tag: best}
}

// Tag is the language the translator renders.
func (t *Translator) Tag() language.Tag { return t.tag }

// Text renders key.
func (t *Translator) Text(key string) string {
	return t.printer.Sprintf(key)
}

// CanonicalLocale normalizes a locale attribute (e.g. "pl_PL", "EN-us") to
// its BCP 47 form. Unparseable values are returned trimmed as-is.
func CanonicalLocale(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	tag, err := language.Parse(s)
	if err != nil {
		return s
	}
	return tag.String()
}
