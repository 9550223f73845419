package domain

var Tables = []interface{}{
	&Device{},
}
