package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Limits enforced on inbound payloads. The numeric bounds are mirrored by the
// gte/lte/max tags on the contract structs.
const (
	CanvasMax          = 4000
	MaxNameLength      = 50
	MaxElementIDLength = 64
)

var elementIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// JoinDesign is the contract for join_design.
type JoinDesign struct {
	DesignID string `json:"designId" validate:"required,len=24,hexadecimal"`
	UserName string `json:"userName" validate:"omitempty,max=50"`
}

// ElementOperation is the contract for element_operation. Element and Updates
// are opaque to the server and relayed untouched. DesignID is accepted on the
// wire but never used for routing; the sender's joined room is authoritative.
type ElementOperation struct {
	Type      string          `json:"type" validate:"required,oneof=element_added element_updated element_deleted element_moved element_transformed"`
	DesignID  string          `json:"designId,omitempty" validate:"omitempty,len=24,hexadecimal"`
	ElementID string          `json:"elementId" validate:"required,max=64,element_id"`
	Element   json.RawMessage `json:"element,omitempty"`
	Updates   json.RawMessage `json:"updates,omitempty"`
	Version   int64           `json:"version,omitempty"`
}

// CursorMove is the contract for cursor_move. The coordinates are pointers so
// that a zero position still counts as present.
type CursorMove struct {
	X *float64 `json:"x" validate:"required,gte=-4000,lte=4000"`
	Y *float64 `json:"y" validate:"required,gte=-4000,lte=4000"`
}

// ElementDrag is the contract for element_drag_start, element_drag_move and
// element_drag_end.
type ElementDrag struct {
	ElementID string   `json:"elementId" validate:"required,max=64,element_id"`
	X         *float64 `json:"x" validate:"required,gte=-4000,lte=4000"`
	Y         *float64 `json:"y" validate:"required,gte=-4000,lte=4000"`
}

// Rejection describes the first contract rule an inbound payload failed.
type Rejection struct {
	Field   string
	Rule    string
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

// Validator checks inbound payloads against the event contracts. It is
// stateless and safe for concurrent use.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator with the element_id rule registered and field
// names reported as they appear on the wire.
func New() *Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("element_id", func(fl validator.FieldLevel) bool {
		return elementIDPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

// JoinDesign decodes and checks a join_design payload.
func (v *Validator) JoinDesign(raw json.RawMessage) (JoinDesign, *Rejection) {
	var p JoinDesign
	if rej := v.decode(raw, &p); rej != nil {
		return JoinDesign{}, rej
	}
	return p, nil
}

// ElementOperation decodes and checks an element_operation payload.
func (v *Validator) ElementOperation(raw json.RawMessage) (ElementOperation, *Rejection) {
	var p ElementOperation
	if rej := v.decode(raw, &p); rej != nil {
		return ElementOperation{}, rej
	}
	return p, nil
}

// CursorMove decodes and checks a cursor_move payload.
func (v *Validator) CursorMove(raw json.RawMessage) (CursorMove, *Rejection) {
	var p CursorMove
	if rej := v.decode(raw, &p); rej != nil {
		return CursorMove{}, rej
	}
	return p, nil
}

// ElementDrag decodes and checks a drag payload.
func (v *Validator) ElementDrag(raw json.RawMessage) (ElementDrag, *Rejection) {
	var p ElementDrag
	if rej := v.decode(raw, &p); rej != nil {
		return ElementDrag{}, rej
	}
	return p, nil
}

func (v *Validator) decode(raw json.RawMessage, target any) *Rejection {
	if len(raw) == 0 {
		return &Rejection{Rule: "json", Message: "missing payload"}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &Rejection{Rule: "json", Message: "malformed payload"}
	}
	if err := v.validate.Struct(target); err != nil {
		return rejectionFrom(err)
	}
	return nil
}

func rejectionFrom(err error) *Rejection {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &Rejection{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fmt.Sprintf("%s failed %s check", fe.Field(), fe.Tag()),
		}
	}
	return &Rejection{Rule: "invalid", Message: "invalid payload"}
}

// SanitizeName trims surrounding whitespace, strips control characters and
// caps the result at MaxNameLength runes. An empty result is the caller's
// signal to fall back to a generated guest name.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	runes := []rune(name)
	if len(runes) > MaxNameLength {
		runes = runes[:MaxNameLength]
	}
	return string(runes)
}
