package segments

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"example.com/retention/internal/domain"
)

// NewUserCategory labels a user "new" on their signup day and "existing" afterwards.
func NewUserCategory(loc *time.Location) *Category {
	category, err := NewCategory("new_user", []Label{
		{Key: "new", Name: "New User"},
		{Key: "existing", Name: "Existing User"},
	}, func(_ context.Context, user domain.User, date civil.Date) (string, error) {
		if user.SignupDate(loc) == date {
			return "new", nil
		}
		return "existing", nil
	})
	if err != nil {
		panic(err)
	}
	return category
}

// ActivityCategory labels a user "active" on days with any recorded activity for site, otherwise "dormant".
func ActivityCategory(store domain.ActivityStore, site string) *Category {
	category, err := NewCategory("activity", []Label{
		{Key: "active", Name: "Active"},
		{Key: "dormant", Name: "Dormant"},
	}, func(ctx context.Context, user domain.User, date civil.Date) (string, error) {
		active, err := store.HasActivityOn(ctx, user.ID, site, date)
		if err != nil {
			return "", err
		}
		if active {
			return "active", nil
		}
		return "dormant", nil
	})
	if err != nil {
		panic(err)
	}
	return category
}
