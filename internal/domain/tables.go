package domain

var Tables = []interface{}{
	&TenantSession{},
}
