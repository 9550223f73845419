package domain

import "time"

// Device is the persisted record of one messaging-transport identity bound to a user.
// DeviceID doubles as the transport session id and never changes once created.
type Device struct {
	ID             int64      `json:"id,string" gorm:"primaryKey"`
	DeviceID       string     `json:"deviceId" gorm:"uniqueIndex;size:191;not null"`
	Name           string     `json:"name" gorm:"not null"`
	IsConnected    bool       `json:"isConnected" gorm:"default:false"`
	LastConnection *time.Time `json:"lastConnection"`
	OwnerID        string     `json:"userId" gorm:"index;size:64"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// TableName Specify table name
func (Device) TableName() string {
	return "device"
}
