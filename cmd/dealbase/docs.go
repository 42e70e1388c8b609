package main

//go:generate swag init -g cmd/dealbase/main.go -o docs

// @title           DealBase API
// @version         0.1.0
// @description     Deal intake, versioned financial snapshots, valuation runs and the combined deal view.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
