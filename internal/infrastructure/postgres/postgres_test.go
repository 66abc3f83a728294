package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/goleak"
	"golang.org/x/text/currency"

	"github.com/keymint/keymint/internal/domain/license"
	"github.com/keymint/keymint/internal/domain/money"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/user"
	"github.com/keymint/keymint/internal/infrastructure/postgres"
)

type postgresSuite struct {
	suite.Suite

	container testcontainers.Container
	pool      *pgxpool.Pool

	orders   *postgres.OrderRepository
	licenses *postgres.LicenseRepository
	users    *postgres.UserRepository
}

// entry point to run the tests in the suite
func TestPostgresSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	// Verifies no leaks after all tests in the suite run.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/testcontainers/testcontainers-go.(*Reaper).connect.func1"))

	suite.Run(t, new(postgresSuite))
}

func (s *postgresSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("keymint"),
		tcpostgres.WithUsername("keymint"),
		tcpostgres.WithPassword("keymint"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.pool, err = postgres.Connect(ctx, connStr)
	s.Require().NoError(err)

	s.orders = postgres.NewOrderRepository(s.pool)
	s.licenses = postgres.NewLicenseRepository(s.pool)
	s.users = postgres.NewUserRepository(s.pool)
}

func (s *postgresSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		s.NoError(s.container.Terminate(context.Background()))
	}
}

func (s *postgresSuite) randomOrder() *order.Order {
	o, err := order.New(
		"ORD-20260830-"+gofakeit.LetterN(6),
		order.Customer{Email: gofakeit.Email(), Name: gofakeit.Name()},
		"stripe",
		[]order.Item{{
			ProductID:      uuid.New(),
			Name:           gofakeit.ProductName(),
			UnitPrice:      money.New(decimal.RequireFromString("50.00"), currency.USD),
			Quantity:       1,
			DownloadQuota:  5,
			UpdateTermDays: 365,
		}},
	)
	s.Require().NoError(err)
	return o
}

func (s *postgresSuite) TestOrderRoundTrip() {
	ctx := context.Background()
	o := s.randomOrder()
	s.Require().NoError(s.orders.Insert(ctx, o))

	got, err := s.orders.Get(ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(o.Number, got.Number)
	s.Equal(order.StatusPending, got.Status)
	s.Require().Len(got.Items, 1)
	s.Equal(o.Items[0].Name, got.Items[0].Name)
	s.True(got.Total.Amount.Equal(decimal.RequireFromString("50.00")))

	byNumber, err := s.orders.GetByNumber(ctx, o.Number)
	s.Require().NoError(err)
	s.Equal(o.ID, byNumber.ID)

	_, err = s.orders.Get(ctx, uuid.New())
	s.ErrorIs(err, order.ErrNotFound)
}

func (s *postgresSuite) TestAttachSessionRef() {
	ctx := context.Background()
	o := s.randomOrder()
	s.Require().NoError(s.orders.Insert(ctx, o))

	ref := "cs_" + gofakeit.LetterN(10)
	s.Require().NoError(s.orders.AttachSessionRef(ctx, o.ID, ref))
	// Re-attaching the same ref is a no-op.
	s.Require().NoError(s.orders.AttachSessionRef(ctx, o.ID, ref))
	// A different ref is a conflict.
	s.ErrorIs(s.orders.AttachSessionRef(ctx, o.ID, "cs_other"), order.ErrSessionConflict)

	got, err := s.orders.GetBySessionRef(ctx, "stripe", ref)
	s.Require().NoError(err)
	s.Equal(o.ID, got.ID)
}

func (s *postgresSuite) TestTransition() {
	ctx := context.Background()
	o := s.randomOrder()
	s.Require().NoError(s.orders.Insert(ctx, o))

	applied, updated, err := s.orders.Transition(ctx, o.ID, order.StatusCompleted, order.PaymentInfo{
		ProviderPaymentID: "pi_123",
		RawStatus:         "succeeded",
	})
	s.Require().NoError(err)
	s.True(applied)
	s.Equal(order.StatusCompleted, updated.Status)
	s.Equal("pi_123", updated.Payment.ProviderPaymentID)

	// Same target again: merged, not re-applied.
	applied, updated, err = s.orders.Transition(ctx, o.ID, order.StatusCompleted, order.PaymentInfo{
		PayerEmail: "payer@example.com",
	})
	s.Require().NoError(err)
	s.False(applied)
	s.Equal("pi_123", updated.Payment.ProviderPaymentID)
	s.Equal("payer@example.com", updated.Payment.PayerEmail)

	// Completed cannot fail.
	_, _, err = s.orders.Transition(ctx, o.ID, order.StatusFailed, order.PaymentInfo{})
	s.ErrorIs(err, order.ErrIllegalTransition)

	// Completed can refund.
	applied, updated, err = s.orders.Transition(ctx, o.ID, order.StatusRefunded, order.PaymentInfo{})
	s.Require().NoError(err)
	s.True(applied)
	s.Equal(order.StatusRefunded, updated.Status)
}

func (s *postgresSuite) TestTransitionConcurrency() {
	ctx := context.Background()
	o := s.randomOrder()
	s.Require().NoError(s.orders.Insert(ctx, o))

	const workers = 8
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func() {
			applied, _, err := s.orders.Transition(ctx, o.ID, order.StatusCompleted, order.PaymentInfo{})
			results <- err == nil && applied
		}()
	}

	var wins int
	for i := 0; i < workers; i++ {
		if <-results {
			wins++
		}
	}
	s.Equal(1, wins, "exactly one transition applies under contention")
}

func (s *postgresSuite) TestFulfillmentAndUserColumns() {
	ctx := context.Background()
	o := s.randomOrder()
	s.Require().NoError(s.orders.Insert(ctx, o))

	account := user.New(gofakeit.Email(), gofakeit.Name(), "temp123")
	s.Require().NoError(s.users.Insert(ctx, account))
	s.Require().NoError(s.orders.SetUser(ctx, o.ID, account.ID))

	updated, err := s.orders.SetFulfillment(ctx, o.ID, order.FulfillmentState{UserProvisioned: true})
	s.Require().NoError(err)
	s.True(updated.Fulfillment.UserProvisioned)
	s.False(updated.Fulfillment.LicensesIssued)

	updated, err = s.orders.SetFulfillment(ctx, o.ID, order.FulfillmentState{LicensesIssued: true})
	s.Require().NoError(err)
	s.True(updated.Fulfillment.UserProvisioned, "flags merge, never reset")
	s.True(updated.Fulfillment.LicensesIssued)

	got, err := s.orders.Get(ctx, o.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.UserID)
	s.Equal(account.ID, *got.UserID)
}

func (s *postgresSuite) TestUserRepository() {
	ctx := context.Background()
	account := user.New(gofakeit.Email(), gofakeit.Name(), "temp123")
	s.Require().NoError(s.users.Insert(ctx, account))

	got, err := s.users.GetByEmail(ctx, account.Email)
	s.Require().NoError(err)
	s.Equal(account.ID, got.ID)
	s.True(got.Verified)

	s.ErrorIs(s.users.Insert(ctx, user.New(account.Email, "Other", "")), user.ErrConflict)

	_, err = s.users.GetByEmail(ctx, "nobody@example.com")
	s.ErrorIs(err, user.ErrNotFound)
}

func (s *postgresSuite) TestLicenseRepository() {
	ctx := context.Background()
	userID, productID, orderID := uuid.New(), uuid.New(), uuid.New()

	_, err := s.licenses.GetByUserProduct(ctx, userID, productID)
	s.ErrorIs(err, license.ErrNotFound)

	l := license.New(userID, productID, orderID, "keymint pro", 5, time.Now().AddDate(1, 0, 0).UTC())
	s.Require().NoError(s.licenses.Save(ctx, l))

	got, err := s.licenses.GetByUserProduct(ctx, userID, productID)
	s.Require().NoError(err)
	s.Equal(5, got.DownloadQuota)

	got.Extend(5, time.Now().AddDate(2, 0, 0).UTC())
	s.Require().NoError(s.licenses.Save(ctx, got))

	byOrigin, err := s.licenses.ListByOrigin(ctx, orderID)
	s.Require().NoError(err)
	s.Require().Len(byOrigin, 1)
	s.Equal(10, byOrigin[0].DownloadQuota)

	byUser, err := s.licenses.ListByUser(ctx, userID)
	s.Require().NoError(err)
	s.Len(byUser, 1)
}
