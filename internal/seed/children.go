package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taxdesk/internal/documents"
	"taxdesk/internal/dualwrite"
	"taxdesk/internal/store"
	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
)

var services = []string{"Individual return", "Small business return", "Amended return", "Tax planning"}

// pick cycles through a type's statuses so the admin views show
// a bit of everything.
func pick(statuses []types.Status, i int) types.Status {
	return statuses[i%len(statuses)]
}

func fakeChildren(owner fakeOwnerSeed, i int) []*types.ChildRecord {
	name := owner.FirstName + " " + owner.LastName
	requested := owner.Signup.AddDate(0, 0, 10+i)

	children := []*types.ChildRecord{
		{
			ID:     fmt.Sprintf("seed-appt-%d-1", i+1),
			Type:   types.ChildTypeAppointment,
			Status: pick(types.ChildTypeAppointment.Statuses(), i),
			Appointment: &types.AppointmentFields{
				FullName:    name,
				Email:       owner.Email,
				Phone:       owner.Phone,
				Service:     services[i%len(services)],
				RequestDate: requested,
			},
		},
		{
			ID:     fmt.Sprintf("seed-ref-%d-1", i+1),
			Type:   types.ChildTypeReferral,
			Status: pick(types.ChildTypeReferral.Statuses(), i),
			Referral: &types.ReferralFields{
				ReferrerName:  name,
				ReferrerEmail: owner.Email,
				ReferredName:  "Friend of " + owner.FirstName,
				ReferredEmail: fmt.Sprintf("friend.%s@example.com", strings.ToLower(owner.FirstName)),
				ReferralDate:  owner.Signup.AddDate(0, 0, 3),
			},
		},
	}

	// every other owner has a second appointment
	if i%2 == 0 {
		children = append(children, &types.ChildRecord{
			ID:     fmt.Sprintf("seed-appt-%d-2", i+1),
			Type:   types.ChildTypeAppointment,
			Status: types.StatusPending,
			Appointment: &types.AppointmentFields{
				FullName:    name,
				Email:       owner.Email,
				Service:     "Document review",
				RequestDate: requested.Add(14 * 24 * time.Hour),
			},
		})
	}

	return children
}

// SeedChildren creates appointments and referrals, mirrors included, for
// every fake customer. Records that already exist are left alone.
func SeedChildren(ctx context.Context, recordStore store.RecordStore, coordinator *dualwrite.Coordinator) error {
	seeded := 0
	for i, owner := range fakeOwners {
		if owner.Role == types.OwnerRoleAdmin {
			continue
		}

		for _, child := range fakeChildren(owner, i) {
			_, err := recordStore.Child(ctx, owner.ID, child.Type, child.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("failed to fetch seed child %s: %w", child.ID, err)
			}

			if _, err := coordinator.CreateChild(ctx, owner.ID, child); err != nil {
				return fmt.Errorf("failed to create seed child %s: %w", types.ChildPath(owner.ID, child.Type, child.ID), err)
			}
			seeded++
		}
	}

	logrus.WithField("count", seeded).Info("seeded fake children")
	return nil
}

// SeedDocuments uploads one placeholder W-2 for each customer that has no
// documents yet.
func SeedDocuments(ctx context.Context, recordStore store.RecordStore, docs *documents.Service) error {
	seeded := 0
	for _, ownerID := range seedOwnerIDs() {
		existing, err := recordStore.ListChildren(ctx, ownerID, types.ChildTypeTaxDocument)
		if err != nil {
			return fmt.Errorf("failed to list documents for %s: %w", ownerID, err)
		}
		if len(existing) > 0 {
			continue
		}

		body := "%PDF-1.4\n% placeholder W-2 for " + ownerID + "\n"
		upload, err := docs.Upload(ctx, documents.UploadRequest{
			OwnerID:      ownerID,
			FileName:     "w2-2024.pdf",
			ContentType:  "application/pdf",
			Size:         int64(len(body)),
			Body:         strings.NewReader(body),
			DocumentType: "W-2",
			Category:     "Income",
			TaxYear:      2024,
			Uploader:     types.UploaderAdmin,
		})
		if err != nil {
			return fmt.Errorf("failed to start seed upload for %s: %w", ownerID, err)
		}
		if _, err := upload.Wait(); err != nil {
			return fmt.Errorf("failed to upload seed document for %s: %w", ownerID, err)
		}
		seeded++
	}

	logrus.WithField("count", seeded).Info("seeded fake documents")
	return nil
}
