package aws

// RDSInstance is an RDS database instance with the attributes the storage
// reporter needs.
type RDSInstance struct {
	Identifier         string
	ARN                string
	AllocatedStorageGB int32
	Tags               map[string]string
}
