package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taxdesk/internal/store"
	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
)

type fakeOwnerSeed struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Role      string
	City      string
	State     string
	Signup    time.Time
}

var fakeOwners = []fakeOwnerSeed{
	{ID: "11111111-1111-1111-1111-111111111111", Email: "alice.johnson+seed1@example.com", FirstName: "Alice", LastName: "Johnson", Phone: "+15125550101", City: "Austin", State: "TX", Signup: time.Date(2024, 1, 8, 15, 0, 0, 0, time.UTC)},
	{ID: "22222222-2222-2222-2222-222222222222", Email: "bob.williams+seed2@example.com", FirstName: "Bob", LastName: "Williams", Phone: "+15125550102", City: "Round Rock", State: "TX", Signup: time.Date(2024, 1, 22, 18, 30, 0, 0, time.UTC)},
	{ID: "33333333-3333-3333-3333-333333333333", Email: "charlie.brown+seed3@example.com", FirstName: "Charlie", LastName: "Brown", City: "Dallas", State: "TX", Signup: time.Date(2024, 2, 3, 9, 15, 0, 0, time.UTC)},
	{ID: "44444444-4444-4444-4444-444444444444", Email: "diana.prince+seed4@example.com", FirstName: "Diana", LastName: "Prince", Phone: "+12145550104", City: "Plano", State: "TX", Signup: time.Date(2024, 2, 14, 20, 45, 0, 0, time.UTC)},
	{ID: "55555555-5555-5555-5555-555555555555", Email: "ethan.hunt+seed5@example.com", FirstName: "Ethan", LastName: "Hunt", City: "Houston", State: "TX", Signup: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	{ID: "99999999-9999-9999-9999-999999999999", Email: "admin+seed@example.com", FirstName: "Office", LastName: "Admin", Role: types.OwnerRoleAdmin, Signup: time.Date(2023, 12, 1, 8, 0, 0, 0, time.UTC)},
}

func seedOwnerIDs() []string {
	ids := make([]string, 0, len(fakeOwners))
	for _, owner := range fakeOwners {
		if owner.Role != types.OwnerRoleAdmin {
			ids = append(ids, owner.ID)
		}
	}
	return ids
}

func SeedOwners(ctx context.Context, recordStore store.RecordStore) error {
	seeded := 0
	for _, fake := range fakeOwners {
		_, err := recordStore.Owner(ctx, fake.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("failed to fetch fake owner %s: %w", fake.ID, err)
		}

		owner := &types.Owner{
			ID:         fake.ID,
			FirstName:  fake.FirstName,
			LastName:   fake.LastName,
			Email:      fake.Email,
			Phone:      fake.Phone,
			Role:       fake.Role,
			SignupDate: fake.Signup,
			Address: types.Address{
				City:  fake.City,
				State: fake.State,
			},
		}

		if err := recordStore.UpsertOwner(ctx, owner); err != nil {
			return fmt.Errorf("failed to create fake owner %s: %w", fake.ID, err)
		}
		seeded++
	}

	logrus.WithField("count", seeded).Info("seeded fake owners")
	return nil
}
