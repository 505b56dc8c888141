package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taxdesk/internal/store"
	"taxdesk/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	ctypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/sirupsen/logrus"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const roleAttribute = "custom:role"

// Client is the part of the Cognito client the provisioner uses.
type Client interface {
	AdminGetUser(ctx context.Context, params *cognitoidentityprovider.AdminGetUserInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.AdminGetUserOutput, error)
	InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error)
}

type Session struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Provisioner maps identity-provider users onto Owner records, creating
// the record the first time a user shows up.
type Provisioner struct {
	client     Client
	store      store.RecordStore
	userPoolID string
	clientID   string
	logger     *logrus.Logger

	mu     sync.RWMutex
	owners map[string]*types.Owner
}

func NewProvisioner(client Client, recordStore store.RecordStore, userPoolID, clientID string, logger *logrus.Logger) *Provisioner {
	return &Provisioner{
		client:     client,
		store:      recordStore,
		userPoolID: userPoolID,
		clientID:   clientID,
		logger:     logger,
		owners:     make(map[string]*types.Owner),
	}
}

// Login exchanges a password for an access token.
func (p *Provisioner) Login(ctx context.Context, email, password string) (*Session, error) {
	resp, err := p.client.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow: ctypes.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(p.clientID),
		AuthParameters: map[string]string{
			"USERNAME": email,
			"PASSWORD": password,
		},
	})
	if err != nil {
		return nil, classifyCognitoError(err, "failed to authenticate")
	}

	if resp.AuthenticationResult == nil || resp.AuthenticationResult.AccessToken == nil {
		return nil, fmt.Errorf("authentication returned no token: %w", ErrInvalidCredentials)
	}

	return &Session{
		AccessToken: aws.ToString(resp.AuthenticationResult.AccessToken),
		ExpiresIn:   time.Duration(resp.AuthenticationResult.ExpiresIn) * time.Second,
	}, nil
}

// EnsureOwner returns the Owner for an authenticated subject, reading the
// user's attributes from the identity provider if no record exists yet.
func (p *Provisioner) EnsureOwner(ctx context.Context, subject string) (*types.Owner, error) {
	p.mu.RLock()
	cached, ok := p.owners[subject]
	p.mu.RUnlock()
	if ok {
		out := *cached
		return &out, nil
	}

	owner, err := p.store.Owner(ctx, subject)
	if err == nil {
		p.remember(owner)
		return owner, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	owner, err = p.lookup(ctx, subject)
	if err != nil {
		return nil, err
	}

	if err := p.store.UpsertOwner(ctx, owner); err != nil {
		return nil, fmt.Errorf("failed to provision owner %s: %w", subject, err)
	}

	p.logger.WithField("owner_id", subject).Info("provisioned owner from identity provider")

	// read back for the store-assigned timestamps
	owner, err = p.store.Owner(ctx, subject)
	if err != nil {
		return nil, err
	}
	p.remember(owner)
	return owner, nil
}

// Forget drops a cached owner after its profile changed.
func (p *Provisioner) Forget(subject string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.owners, subject)
}

func (p *Provisioner) remember(owner *types.Owner) {
	cp := *owner
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owners[owner.ID] = &cp
}

func (p *Provisioner) lookup(ctx context.Context, subject string) (*types.Owner, error) {
	resp, err := p.client.AdminGetUser(ctx, &cognitoidentityprovider.AdminGetUserInput{
		UserPoolId: aws.String(p.userPoolID),
		Username:   aws.String(subject),
	})
	if err != nil {
		return nil, classifyCognitoError(err, fmt.Sprintf("failed to look up user %s", subject))
	}

	attrs := make(map[string]string, len(resp.UserAttributes))
	for _, a := range resp.UserAttributes {
		attrs[aws.ToString(a.Name)] = aws.ToString(a.Value)
	}

	owner := &types.Owner{
		ID:        subject,
		FirstName: attrs["given_name"],
		LastName:  attrs["family_name"],
		Email:     strings.ToLower(attrs["email"]),
		Phone:     attrs["phone_number"],
		Role:      attrs[roleAttribute],
	}
	if resp.UserCreateDate != nil {
		owner.SignupDate = resp.UserCreateDate.UTC()
	}

	return owner, nil
}

func classifyCognitoError(err error, msg string) error {
	var notAuthorized *ctypes.NotAuthorizedException
	if errors.As(err, &notAuthorized) {
		return fmt.Errorf("%s: %w", msg, ErrInvalidCredentials)
	}

	var userNotFound *ctypes.UserNotFoundException
	if errors.As(err, &userNotFound) {
		return fmt.Errorf("%s: %w", msg, types.ErrNotFound)
	}

	var notConfirmed *ctypes.UserNotConfirmedException
	if errors.As(err, &notConfirmed) {
		return fmt.Errorf("%s: %w: user not confirmed", msg, types.ErrPermissionDenied)
	}

	var tooMany *ctypes.TooManyRequestsException
	var internalErr *ctypes.InternalErrorException
	if errors.As(err, &tooMany) || errors.As(err, &internalErr) {
		return fmt.Errorf("%s: %w: %v", msg, types.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}
