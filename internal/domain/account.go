package domain

import "time"

type AccountStatus string

const (
	AccountPending  AccountStatus = "pending"
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
)

type Account struct {
	ID           string        `gorm:"column:id;primaryKey;size:64"`
	Email        string        `gorm:"column:email;uniqueIndex;not null"`
	Salter       []byte        `gorm:"column:salter"`
	Password     string        `gorm:"column:password;not null"`
	Status       AccountStatus `gorm:"column:status;size:16;default:pending"`
	CreationDate time.Time     `gorm:"column:creation_date;autoCreateTime"`
}

func (Account) TableName() string { return "accounts" }

// Profile is a named subject identity an account issues certificates for.
type Profile struct {
	ID           string    `gorm:"column:id;primaryKey;size:64"`
	RFC4514      string    `gorm:"column:rfc4514;uniqueIndex:idx_profile_dn_account;not null"`
	Name         *string   `gorm:"column:name;uniqueIndex:idx_profile_name_account"`
	AccountID    string    `gorm:"column:account_id;uniqueIndex:idx_profile_dn_account;uniqueIndex:idx_profile_name_account;size:64"`
	CreationDate time.Time `gorm:"column:creation_date;autoCreateTime"`
}

func (Profile) TableName() string { return "profiles" }
