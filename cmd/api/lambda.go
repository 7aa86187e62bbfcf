package main

import (
	"context"
	"net/http"

	apigw "github.com/aws/aws-lambda-go/events"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
)

// proxyHandler answers API Gateway REST proxy events.
type proxyHandler func(ctx context.Context, req apigw.APIGatewayProxyRequest) (apigw.APIGatewayProxyResponse, error)

// newProxyHandler serves proxy events with h. Handler failures become HTTP
// responses; an error reaches the Lambda runtime only when the event itself
// cannot be turned into a request. Bodies that are not valid UTF-8 come back
// base64 encoded.
func newProxyHandler(h http.Handler) proxyHandler {
	return httpadapter.New(h).ProxyWithContext
}
