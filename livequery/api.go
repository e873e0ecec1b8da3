package livequery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const serviceTokenTimeout = 60 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// PlatformApi is the client for the platform's session and role lookup
// endpoints. it implements SessionStore and RoleStore.
// requests carry a short-lived service token signed with the master key
type PlatformApi struct {
	ctx context.Context

	apiUrl        string
	applicationId string
	masterKey     string

	httpClient *http.Client
}

func NewPlatformApi(ctx context.Context, apiUrl string, applicationId string, masterKey string) *PlatformApi {
	return &PlatformApi{
		ctx:           ctx,
		apiUrl:        apiUrl,
		applicationId: applicationId,
		masterKey:     masterKey,
		httpClient:    defaultClient(),
	}
}

func (self *PlatformApi) serviceToken() (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"iss":    "livequery",
		"app_id": self.applicationId,
		"iat":    now.Unix(),
		"exp":    now.Add(serviceTokenTimeout).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(self.masterKey))
}

type sessionResult struct {
	UserId string `json:"userId"`
}

// GetUserId resolves a session token to a user id.
// an unknown or expired token resolves to "" without error
func (self *PlatformApi) GetUserId(ctx context.Context, sessionToken string) (string, error) {
	request, err := self.newRequest(ctx, fmt.Sprintf("%s/sessions/me", self.apiUrl))
	if err != nil {
		return "", err
	}
	request.Header.Set("X-Session-Token", sessionToken)

	var result sessionResult
	found, err := self.doRequest(request, &result)
	if err != nil || !found {
		return "", err
	}
	return result.UserId, nil
}

type rolesResult struct {
	Roles []string `json:"roles"`
}

// GetUserRoles resolves a user id to its directly assigned role names
func (self *PlatformApi) GetUserRoles(ctx context.Context, userId string) ([]string, error) {
	request, err := self.newRequest(ctx, fmt.Sprintf("%s/users/%s/roles", self.apiUrl, userId))
	if err != nil {
		return nil, err
	}

	var result rolesResult
	found, err := self.doRequest(request, &result)
	if err != nil || !found {
		return nil, err
	}
	return result.Roles, nil
}

func (self *PlatformApi) newRequest(ctx context.Context, url string) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	serviceToken, err := self.serviceToken()
	if err != nil {
		return nil, err
	}
	request.Header.Set("X-Application-Id", self.applicationId)
	request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", serviceToken))
	return request, nil
}

// found is false on a 404, which is a resolvable "does not exist" rather
// than a lookup failure
func (self *PlatformApi) doRequest(request *http.Request, result any) (found bool, returnErr error) {
	response, err := self.httpClient.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()

	glog.V(2).Infof("[api]%s = %d\n", request.URL.Path, response.StatusCode)

	if response.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if response.StatusCode != http.StatusOK {
		return false, fmt.Errorf("api status %d", response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return false, err
	}
	return true, nil
}
