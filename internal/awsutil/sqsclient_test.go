package awsutil

import (
	"context"
	"testing"
)

func TestNewSQSClientLocalStack(t *testing.T) {
	c, err := NewSQSClient(context.Background(), "us-east-1", "http://localhost:4566")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	o := c.Options()
	if o.BaseEndpoint == nil || *o.BaseEndpoint != "http://localhost:4566" {
		t.Fatalf("expected localstack endpoint, got %v", o.BaseEndpoint)
	}
	if o.Region != "us-east-1" {
		t.Fatalf("region = %q", o.Region)
	}
	creds, err := o.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("retrieve creds: %v", err)
	}
	if creds.AccessKeyID != "test" {
		t.Fatalf("expected static test credentials")
	}
}
