package models

// CapabilityPrice prices one capability in Powers per item.
// A Price of 0 marks the capability as free.
type CapabilityPrice struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	ItemLabel string `json:"item_label" yaml:"item_label"`
	Price     int64  `json:"price" yaml:"price"`
}
