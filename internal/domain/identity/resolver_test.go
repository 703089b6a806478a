package identity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory stand-in for store.Store, scoped to exactly the
// methods the resolver needs, so identity merge logic can be exercised
// without a database.
type fakeStore struct {
	users      map[string]*model.User
	identities map[string]*model.UserIdentity // key: source|idType|externalID
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]*model.User{}, identities: map[string]*model.UserIdentity{}}
}

func identKey(source model.BillingSource, idType, externalID string) string {
	return string(source) + "|" + idType + "|" + externalID
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) FindIdentity(ctx context.Context, orgID string, source model.BillingSource, idType, externalID string) (*model.UserIdentity, error) {
	if ident, ok := f.identities[identKey(source, idType, externalID)]; ok {
		return ident, nil
	}
	return nil, apperr.NotFound("user_identity", externalID)
}

func (f *fakeStore) BindIdentity(ctx context.Context, tx *sqlx.Tx, ident *model.UserIdentity) error {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	f.identities[identKey(ident.Source, ident.IDType, ident.ExternalID)] = ident
	return nil
}

func (f *fakeStore) RebindIdentities(ctx context.Context, tx *sqlx.Tx, orgID, fromUserID, toUserID string) error {
	for _, ident := range f.identities {
		if ident.UserID == fromUserID {
			ident.UserID = toUserID
		}
	}
	return nil
}

func (f *fakeStore) RebindUserOwnedRecords(ctx context.Context, tx *sqlx.Tx, orgID, fromUserID, toUserID string) error {
	return nil
}

func (f *fakeStore) DeleteUser(ctx context.Context, tx *sqlx.Tx, orgID, userID string) error {
	delete(f.users, userID)
	return nil
}

func (f *fakeStore) CreateUserTx(ctx context.Context, tx *sqlx.Tx, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now()
	f.users[u.ID] = u
	return nil
}

func (f *fakeStore) GetUser(ctx context.Context, orgID, userID string) (*model.User, error) {
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return nil, apperr.NotFound("user", userID)
}

func TestResolve_NoMatchesCreatesUserAndBindsAllHints(t *testing.T) {
	fs := newFakeStore()
	r := New(fs, nil)

	userID, err := r.Resolve(context.Background(), "org_1", []model.IdentityHint{
		{Source: model.SourceStripe, IDType: "customer_id", ExternalID: "cus_123"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, userID)
	require.Len(t, fs.identities, 1)
}

func TestResolve_SingleMatchBindsUnboundHints(t *testing.T) {
	fs := newFakeStore()
	r := New(fs, nil)
	fs.users["u1"] = &model.User{ID: "u1", OrgID: "org_1", CreatedAt: time.Now()}
	fs.identities[identKey(model.SourceStripe, "customer_id", "cus_123")] = &model.UserIdentity{
		UserID: "u1", OrgID: "org_1", Source: model.SourceStripe, IDType: "customer_id", ExternalID: "cus_123",
	}

	userID, err := r.Resolve(context.Background(), "org_1", []model.IdentityHint{
		{Source: model.SourceStripe, IDType: "customer_id", ExternalID: "cus_123"},
		{Source: model.SourceStripe, IDType: "email", ExternalID: "a@example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, "u1", userID)
	require.Len(t, fs.identities, 2)
}

func TestResolve_MultiMatchMergesOntoOldestSurvivor(t *testing.T) {
	fs := newFakeStore()
	r := New(fs, nil)

	older := time.Now().Add(-48 * time.Hour)
	newer := time.Now()
	fs.users["old"] = &model.User{ID: "old", OrgID: "org_1", CreatedAt: older}
	fs.users["new"] = &model.User{ID: "new", OrgID: "org_1", CreatedAt: newer}
	fs.identities[identKey(model.SourceStripe, "customer_id", "cus_1")] = &model.UserIdentity{
		UserID: "old", OrgID: "org_1", Source: model.SourceStripe, IDType: "customer_id", ExternalID: "cus_1",
	}
	fs.identities[identKey(model.SourceApple, "original_transaction_id", "txn_1")] = &model.UserIdentity{
		UserID: "new", OrgID: "org_1", Source: model.SourceApple, IDType: "original_transaction_id", ExternalID: "txn_1",
	}

	userID, err := r.Resolve(context.Background(), "org_1", []model.IdentityHint{
		{Source: model.SourceStripe, IDType: "customer_id", ExternalID: "cus_1"},
		{Source: model.SourceApple, IDType: "original_transaction_id", ExternalID: "txn_1"},
	})
	require.NoError(t, err)
	require.Equal(t, "old", userID, "the older user must survive the merge")
	require.NotContains(t, fs.users, "new", "the loser must be deleted")
	require.Equal(t, "old", fs.identities[identKey(model.SourceApple, "original_transaction_id", "txn_1")].UserID)
}
