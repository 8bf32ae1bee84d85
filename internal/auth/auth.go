package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/klear-swap/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Token audiences keep API tokens and per-order subscribe tokens from standing in for
// one another.
const (
	AudienceAPI       = "swap-api"
	AudienceSubscribe = "swap-subscribe"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims are carried by API tokens.
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

// SubscribeClaims are carried by the token handed out with an admitted order. It
// grants read access to that order's lifecycle stream only.
type SubscribeClaims struct {
	jwt.RegisteredClaims
	OrderID  string `json:"order_id"`
	ClientID string `json:"client_id,omitempty"`
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret    []byte
	tokenTTL     time.Duration
	subscribeTTL time.Duration

	mu             sync.RWMutex
	apiCredentials map[string]string // map[APIKey]APISecret
}

// NewService creates a new authentication service. subscribeTTL bounds the lifetime
// of per-order subscribe tokens.
func NewService(jwtSecret string, subscribeTTL time.Duration) *Service {
	if subscribeTTL <= 0 {
		subscribeTTL = time.Hour
	}
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		tokenTTL:       24 * time.Hour,
		subscribeTTL:   subscribeTTL,
		apiCredentials: make(map[string]string),
	}
}

// GenerateToken generates a JWT token for valid API credentials
// The token includes client ID and permissions with 24-hour expiration
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(s.tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{AudienceAPI},
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    creds.APIKey,
		Permissions: []string{"swap"},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates an API token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(tokenString, claims, AudienceAPI); err != nil {
		return nil, err
	}
	if claims.ClientID == "" {
		return nil, fmt.Errorf("%w: missing client_id", ErrInvalidToken)
	}
	return claims, nil
}

// IssueSubscribeToken signs a token that lets its bearer watch orderID.
// Parameters:
//   - orderID: the order whose events the token unlocks
//   - clientID: owner of the order, recorded for audit
func (s *Service) IssueSubscribeToken(orderID, clientID string) (string, error) {
	now := time.Now()
	claims := SubscribeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{AudienceSubscribe},
			Subject:   orderID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.subscribeTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		OrderID:  orderID,
		ClientID: clientID,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", ErrTokenGeneration
	}
	return tokenString, nil
}

// ValidateSubscribeToken verifies a subscribe token and returns its claims.
func (s *Service) ValidateSubscribeToken(tokenString string) (*SubscribeClaims, error) {
	claims := &SubscribeClaims{}
	if err := s.parse(tokenString, claims, AudienceSubscribe); err != nil {
		return nil, err
	}
	if claims.OrderID == "" {
		return nil, fmt.Errorf("%w: missing order_id", ErrInvalidToken)
	}
	return claims, nil
}

func (s *Service) parse(tokenString string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithAudience(audience), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// validateCredentials checks if the API credentials are valid
func (s *Service) validateCredentials(creds Credentials) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, exists := s.apiCredentials[creds.APIKey]
	return exists && secret == creds.APISecret
}

// RegisterAPICredentials registers API credentials for a client
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = apiSecret
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetClientID extracts the client ID from the claims stored by the auth middleware.
// Returns empty string if client ID is not found or invalid
func GetClientID(claims interface{}) string {
	switch c := claims.(type) {
	case *Claims:
		return c.ClientID
	case jwt.MapClaims:
		if clientID, ok := c["client_id"].(string); ok {
			return clientID
		}
	}
	return ""
}
