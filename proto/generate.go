// Package proto contains the gRPC bindings for the runner host service,
// generated from runner.proto. Regenerate with `go generate ./proto`.
package proto

//go:generate protoc --go_out=. --go_opt=paths=source_relative --go-grpc_out=. --go-grpc_opt=paths=source_relative runner.proto
