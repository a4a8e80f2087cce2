// Package segments computes per-day categorical segments for users and backfills missing days.
package segments

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"cloud.google.com/go/civil"
	"golang.org/x/xerrors"

	"example.com/retention/internal/domain"
)

// Label is one valid value of a category, a stored key plus a display name.
type Label struct {
	Key  string
	Name string
}

// Classifier returns the label key for a user on a date.
type Classifier func(ctx context.Context, user domain.User, date civil.Date) (string, error)

// Category is a named classification scheme with an ordered label set.
type Category struct {
	name     string
	labels   []Label
	index    map[string]string
	classify Classifier
}

// NewCategory validates and builds a Category.
func NewCategory(name string, labels []Label, classify Classifier) (*Category, error) {
	if strings.TrimSpace(name) == "" {
		return nil, xerrors.Errorf("segment category name is required: %w", domain.ErrValidation)
	}
	if len(labels) == 0 {
		return nil, xerrors.Errorf("segment category %q needs at least one label: %w", name, domain.ErrValidation)
	}
	if classify == nil {
		return nil, xerrors.Errorf("segment category %q has no classifier: %w", name, domain.ErrValidation)
	}

	index := make(map[string]string, len(labels))
	for _, label := range labels {
		if label.Key == "" {
			return nil, xerrors.Errorf("segment category %q has an empty label key: %w", name, domain.ErrValidation)
		}
		if _, dup := index[label.Key]; dup {
			return nil, xerrors.Errorf("segment category %q repeats label %q: %w", name, label.Key, domain.ErrValidation)
		}
		index[label.Key] = label.Name
	}
	return &Category{name: name, labels: slices.Clone(labels), index: index, classify: classify}, nil
}

// Name returns the category name.
func (c *Category) Name() string { return c.name }

// Labels returns the ordered label set.
func (c *Category) Labels() []Label { return slices.Clone(c.labels) }

// Keys returns the label keys in declaration order.
func (c *Category) Keys() []string {
	keys := make([]string, 0, len(c.labels))
	for _, label := range c.labels {
		keys = append(keys, label.Key)
	}
	return keys
}

// Label returns the display name for key.
func (c *Category) Label(key string) (string, bool) {
	name, ok := c.index[key]
	return name, ok
}

// Classify runs the classifier and rejects empty or undeclared labels.
func (c *Category) Classify(ctx context.Context, user domain.User, date civil.Date) (string, error) {
	key, err := c.classify(ctx, user, date)
	switch {
	case err != nil:
	case key == "":
		err = xerrors.New("empty label")
	default:
		if _, ok := c.index[key]; !ok {
			err = xerrors.Errorf("unknown label %q", key)
		}
	}
	if err != nil {
		return "", &ClassificationError{Category: c.name, UserID: user.ID, Date: date, Err: err}
	}
	return key, nil
}

// ClassificationError reports a classifier failure. It matches domain.ErrClassification.
type ClassificationError struct {
	Category string
	UserID   string
	Date     civil.Date
	Err      error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s for user %s on %s: %v", e.Category, e.UserID, e.Date, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is and errors.As.
func (e *ClassificationError) Unwrap() []error {
	return []error{domain.ErrClassification, e.Err}
}

// Registry is the explicit set of categories a deployment backfills.
type Registry struct {
	categories []*Category
	byName     map[string]*Category
}

// NewRegistry builds a Registry. Category names must be unique.
func NewRegistry(categories ...*Category) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Category, len(categories))}
	for _, category := range categories {
		if category == nil {
			continue
		}
		if _, dup := r.byName[category.name]; dup {
			return nil, xerrors.Errorf("segment category %q registered twice: %w", category.name, domain.ErrValidation)
		}
		r.byName[category.name] = category
		r.categories = append(r.categories, category)
	}
	return r, nil
}

// Categories returns the registered categories in registration order.
func (r *Registry) Categories() []*Category {
	return slices.Clone(r.categories)
}

// Lookup finds a category by name.
func (r *Registry) Lookup(name string) (*Category, bool) {
	category, ok := r.byName[name]
	return category, ok
}
