package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

const (
	MessagePing     = "Webhook configured successfully"
	MessageSuccess  = "success"
	FaultSignature  = "Signature is not valid"
	FaultInternal   = "Internal server error"
	contentTypeJSON = "application/json"
)

// ResponseBody is the JSON document returned to the caller. Message is used
// for 200 responses, Fault for everything else.
type ResponseBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
	Fault      string `json:"fault,omitempty"`
}

// NewResponse builds the API Gateway proxy response for statusCode.
func NewResponse(statusCode int, detail string) events.APIGatewayProxyResponse {
	body := ResponseBody{StatusCode: statusCode}
	if statusCode == http.StatusOK {
		body.Message = detail
	} else {
		body.Fault = detail
	}

	// ResponseBody holds only ints and strings; Marshal cannot fail.
	data, _ := json.Marshal(body)

	return events.APIGatewayProxyResponse{
		StatusCode: statusCode,
		Headers:    ResponseHeaders(),
		Body:       string(data),
	}
}

// ResponseHeaders returns the fixed headers sent with every response.
func ResponseHeaders() map[string]string {
	return map[string]string{
		"Content-Type":                 contentTypeJSON,
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "POST, GET",
		"Access-Control-Allow-Headers": "Origin, X-Requested-With, Content-Type, Accept",
	}
}
