package tokenfactory

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// InstantiateRequest asks the factory to deploy a new token contract.
// The whole hard cap is minted to the sale owner up front.
type InstantiateRequest struct {
	CodeID  uint64 `json:"code_id"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Owner   string `json:"owner"`
	Supply  uint64 `json:"supply"`
	Project string `json:"project"`
	Logo    string `json:"logo"`
}

// JSON answer of the factory
type TokenAnswer struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Address   string `json:"address"`
}

const (
	TokenStatusPending    = "PENDING"
	TokenStatusProcessing = "PROCESSING"
	TokenStatusCreated    = "CREATED"
	TokenStatusFailed     = "FAILED"
)

type Client interface {
	Instantiate(req InstantiateRequest) (string, error)
	GetToken(requestID string) (TokenAnswer, error)
}

type client struct {
	serviceAddr string
}

func NewClient(serviceAddr string) Client {
	return client{serviceAddr: serviceAddr}
}

func (client client) Instantiate(req InstantiateRequest) (string, error) {
	path := "/api/tokens"

	setreq := resty.New().R()
	setreq.Method = http.MethodPost
	setreq.URL = client.serviceAddr + path
	setreq.SetHeader("Content-Type", "application/json")
	setreq.SetBody(req)
	setresp, err := setreq.Send()
	if err != nil {
		return "", err
	}

	switch setresp.StatusCode() {
	case http.StatusAccepted, http.StatusCreated:
		var answer TokenAnswer
		if err := json.Unmarshal(setresp.Body(), &answer); err != nil {
			return "", err
		}
		return answer.RequestID, nil
	default:
		return "", fmt.Errorf("token factory request status: %d", setresp.StatusCode())
	}
}

func (client client) GetToken(requestID string) (TokenAnswer, error) {
	path := "/api/tokens/"

	setreq := resty.New().R()
	setreq.Method = http.MethodGet
	setreq.URL = client.serviceAddr + path + requestID
	setresp, err := setreq.Send()
	if err != nil {
		return TokenAnswer{}, err
	}

	switch setresp.StatusCode() {
	case http.StatusOK:
		var answer TokenAnswer
		err = json.Unmarshal(setresp.Body(), &answer)
		return answer, err
	default:
		return TokenAnswer{}, fmt.Errorf("token factory request status: %d", setresp.StatusCode())
	}
}
