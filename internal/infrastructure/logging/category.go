package logging

type Category string
type SubCategory string
type ExtraKey string

const (
	General         Category = "General"
	IO              Category = "IO"
	Internal        Category = "Internal"
	RabbitMQ        Category = "RabbitMQ"
	RPC             Category = "RPC"
	Postgres        Category = "Postgres"
	MongoDB         Category = "MongoDB"
	Storage         Category = "Storage"
	PKI             Category = "PKI"
	Worker          Category = "Worker"
	Validation      Category = "Validation"
	RequestResponse Category = "RequestResponse"
	Prometheus      Category = "Prometheus"
)

const (
	// General
	Startup         SubCategory = "Startup"
	Shutdown        SubCategory = "Shutdown"
	ExternalService SubCategory = "ExternalService"

	// RabbitMQ
	Topology SubCategory = "Topology"
	Consume  SubCategory = "Consume"
	Publish  SubCategory = "Publish"
	Dispatch SubCategory = "Dispatch"

	// Postgres / MongoDB
	Migration SubCategory = "Migration"
	Query     SubCategory = "Query"
	Insert    SubCategory = "Insert"
	Update    SubCategory = "Update"

	// Storage
	Upload SubCategory = "Upload"

	// PKI
	Authority SubCategory = "Authority"
	Issue     SubCategory = "Issue"
	Revoke    SubCategory = "Revoke"

	// RPC
	Call  SubCategory = "Call"
	Serve SubCategory = "Serve"
)

const (
	AppName      ExtraKey = "AppName"
	LoggerName   ExtraKey = "Logger"
	ClientIp     ExtraKey = "ClientIp"
	Method       ExtraKey = "Method"
	StatusCode   ExtraKey = "StatusCode"
	Path         ExtraKey = "Path"
	Latency      ExtraKey = "Latency"
	ErrorMessage ExtraKey = "ErrorMessage"
	RoutingKey   ExtraKey = "RoutingKey"
	Queue        ExtraKey = "Queue"
	Exchange     ExtraKey = "Exchange"
	DeliveryTag  ExtraKey = "DeliveryTag"
	State        ExtraKey = "State"
	Service      ExtraKey = "Service"
	Address      ExtraKey = "Address"
	SerialNumber ExtraKey = "SerialNumber"
	Bucket       ExtraKey = "Bucket"
	ObjectKey    ExtraKey = "ObjectKey"
	Attempt      ExtraKey = "Attempt"
	Rows         ExtraKey = "Rows"
)
