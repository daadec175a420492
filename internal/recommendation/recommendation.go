// Package recommendation defines the upstream unit of work and the sources
// that deliver it.
package recommendation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Recommendation is an immutable, upstream-supplied description of a desired
// code change.
type Recommendation struct {
	ID          string   `json:"id" yaml:"id" validate:"required,recid"`
	Title       string   `json:"title" yaml:"title" validate:"required,max=200"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Domain      string   `json:"domain,omitempty" yaml:"domain,omitempty" validate:"omitempty,max=64"`
	Complexity  string   `json:"complexity,omitempty" yaml:"complexity,omitempty" validate:"omitempty,oneof=low medium high"`
	Priority    int      `json:"priority,omitempty" yaml:"priority,omitempty" validate:"gte=0,lte=10"`
	Hints       []string `json:"hints,omitempty" yaml:"hints,omitempty" validate:"dive,required"`
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid recommendation")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("recid", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return len(s) <= 128 && idPattern.MatchString(s)
		})
	})
	return validate
}

// Validate checks r's fields.
func (r Recommendation) Validate() error {
	err := structValidator().Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w %q: %s", ErrInvalid, r.ID, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w %q: %v", ErrInvalid, r.ID, err)
}

// Keywords returns the lowercased word tokens of the title, description,
// domain and hints, without duplicates or stop words, in first-seen order.
func (r Recommendation) Keywords() []string {
	parts := append([]string{r.Domain, r.Title, r.Description}, r.Hints...)
	seen := map[string]bool{}
	var out []string
	for _, p := range parts {
		for _, tok := range Tokenize(p) {
			if seen[tok] || stopWords[tok] {
				continue
			}
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

// Tokenize splits s into lowercase alphanumeric tokens, also breaking
// camelCase and snake_case identifiers. Single characters are dropped.
func Tokenize(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 1 {
			out = append(out, strings.ToLower(string(cur)))
		}
		cur = cur[:0]
	}
	var prev rune
	for _, c := range s {
		switch {
		case unicode.IsUpper(c) && unicode.IsLower(prev):
			flush()
			cur = append(cur, c)
		case unicode.IsLetter(c) || unicode.IsDigit(c):
			cur = append(cur, c)
		default:
			flush()
		}
		prev = c
	}
	flush()
	return out
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "add": true, "the": true, "to": true,
	"of": true, "for": true, "in": true, "on": true, "with": true, "is": true,
	"it": true, "be": true, "by": true, "or": true, "this": true, "that": true,
	"should": true, "from": true, "into": true, "new": true, "use": true,
}
