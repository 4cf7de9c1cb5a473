// Package schema validates candidate documents crossing the kernel boundary
// and projects entity fields by role. Structural validation is built on
// go-playground/validator; role visibility is a thin reflection layer over a
// struct tag the core defines itself.
package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/occam/orchestration-kernel/internal/occamerr"
)

var (
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	// jurisdictionPattern accepts an ISO 3166-1 alpha-2 code with an optional
	// subdivision suffix: "US", "DE", "US-CA".
	jurisdictionPattern = regexp.MustCompile(`^[A-Z]{2}(-[A-Z0-9]{1,3})?$`)
	// unsafePattern matches markup delimiters and control characters that
	// free-text fields must never carry into downstream renderers.
	unsafePattern = regexp.MustCompile("[<>\x00-\x08\x0b\x0c\x0e-\x1f]")
)

// ParseSemver parses a bare "major.minor.patch" version of non-negative
// integers — no pre-release or build-metadata suffixes, which is all the
// ontology's linear lineage history needs.
func ParseSemver(v string) ([3]int, error) {
	var out [3]int
	if !semverPattern.MatchString(v) {
		return out, occamerr.NewInvalid("version", fmt.Sprintf("version %q must be in major.minor.patch form", v))
	}
	for i, seg := range strings.Split(v, ".") {
		n, err := strconv.Atoi(seg)
		if err != nil {
			return out, occamerr.NewInvalid("version", fmt.Sprintf("version %q must be in major.minor.patch form", v))
		}
		out[i] = n
	}
	return out, nil
}

// CompareSemver returns -1, 0, or 1 as a sorts before, equal to, or after b.
func CompareSemver(a, b string) (int, error) {
	av, err := ParseSemver(a)
	if err != nil {
		return 0, err
	}
	bv, err := ParseSemver(b)
	if err != nil {
		return 0, err
	}
	for i := 0; i < 3; i++ {
		if av[i] != bv[i] {
			if av[i] < bv[i] {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

// Validator wraps go-playground/validator with the kernel's custom rules and
// a "validated" marker issued on success, so downstream components can trust
// a document without re-checking it.
type Validator struct {
	v *validator.Validate
}

// New constructs a Validator with the kernel's custom validation tags registered.
func New() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
		_, err := ParseSemver(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("iso_jurisdiction", func(fl validator.FieldLevel) bool {
		return jurisdictionPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("safe_string", func(fl validator.FieldLevel) bool {
		return !unsafePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("risklevel", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "low", "medium", "high":
			return true
		}
		return false
	})
	_ = v.RegisterValidation("clausetype", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "requirement", "recommendation", "prohibition":
			return true
		}
		return false
	})
	return &Validator{v: v}
}

// Validated marks a document that has passed structural validation. Only this
// package can construct one, so its presence is trustworthy downstream.
type Validated struct {
	typeName string
}

// TypeName reports which schema validated this document.
func (m Validated) TypeName() string { return m.typeName }

// Validate runs go-playground/validator struct tags against doc and, on
// success, returns a Validated marker naming doc's type.
func (s *Validator) Validate(doc interface{}) (Validated, error) {
	if err := s.v.Struct(doc); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return Validated{}, occamerr.NewInvalid(fe.Field(), fmt.Sprintf("failed %q validation", fe.Tag()))
		}
		return Validated{}, occamerr.NewInvalid("", err.Error())
	}
	t := reflect.TypeOf(doc)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return Validated{typeName: t.Name()}, nil
}

// FieldAccess declares whether a role may read and/or write a field.
type FieldAccess struct {
	Readable bool
	Writable bool
}

// roleTag format on a struct field: `occam:"role=analyst:r,admin:rw"`
const roleTagKey = "occam"

var fieldCache sync.Map // reflect.Type -> map[fieldName]map[role]FieldAccess

func parseRoleTag(tag string) map[string]FieldAccess {
	out := make(map[string]FieldAccess)
	tag = strings.TrimPrefix(tag, "role=")
	for _, clause := range strings.Split(tag, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		parts := strings.SplitN(clause, ":", 2)
		if len(parts) != 2 {
			continue
		}
		role, perms := parts[0], parts[1]
		out[role] = FieldAccess{Readable: strings.Contains(perms, "r"), Writable: strings.Contains(perms, "w")}
	}
	return out
}

func roleMapFor(t reflect.Type) map[string]map[string]FieldAccess {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.(map[string]map[string]FieldAccess)
	}
	out := make(map[string]map[string]FieldAccess)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, ok := f.Tag.Lookup(roleTagKey)
		if !ok {
			continue
		}
		out[f.Name] = parseRoleTag(tag)
	}
	fieldCache.Store(t, out)
	return out
}

// ProjectReadable returns a map of fieldName -> value containing only fields
// readable by role. Fields with no occam role tag are always included; the
// tag is opt-in for restriction.
func ProjectReadable(doc interface{}, role string) map[string]interface{} {
	v := reflect.ValueOf(doc)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	roles := roleMapFor(t)

	out := make(map[string]interface{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		access, declared := roles[f.Name]
		if declared {
			if perms, ok := access[role]; !ok || !perms.Readable {
				continue
			}
		}
		out[jsonFieldName(f)] = v.Field(i).Interface()
	}
	return out
}

// CheckWritable returns PermissionDenied if role is not permitted to write
// fieldName on type t (fields without a declared map are writable by anyone).
func CheckWritable(t reflect.Type, fieldName, role string) error {
	roles := roleMapFor(t)
	access, declared := roles[fieldName]
	if !declared {
		return nil
	}
	if perms, ok := access[role]; !ok || !perms.Writable {
		return occamerr.NewPermissionDenied(fmt.Sprintf("role %q cannot write field %q", role, fieldName))
	}
	return nil
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return f.Name
	}
	return name
}
