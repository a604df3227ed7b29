// internal/discovery/usb/database.go
package usb

import (
	"fmt"

	"github.com/google/gousb"

	"board-service/internal/model"
)

// BoardDatabase maps USB vendor/product pairs to board labels
type BoardDatabase struct {
	vendors map[gousb.ID]*VendorInfo
}

// VendorInfo contains vendor-specific information
type VendorInfo struct {
	Name     string
	products map[gousb.ID]*ProductInfo
}

// ProductInfo contains product-specific information
type ProductInfo struct {
	Label string
}

// NewBoardDatabase creates and initializes the board database
func NewBoardDatabase() *BoardDatabase {
	db := &BoardDatabase{
		vendors: make(map[gousb.ID]*VendorInfo),
	}
	db.initializeDatabase()
	return db
}

// initializeDatabase populates the known boards
func (db *BoardDatabase) initializeDatabase() {
	// Silicon Labs bridge found on most ESP32 dev kits
	db.AddVendor(0x10C4, &VendorInfo{Name: "Silicon Laboratories"})
	db.AddProduct(0x10C4, 0xEA60, &ProductInfo{Label: "ESP32 (CP2102)"})

	// WCH bridge on low-cost ESP32 clones
	db.AddVendor(0x1A86, &VendorInfo{Name: "QinHeng Electronics"})
	db.AddProduct(0x1A86, 0x7523, &ProductInfo{Label: "ESP32 (CH340)"})

	db.AddVendor(0x2341, &VendorInfo{Name: "Arduino SA"})
	db.AddProduct(0x2341, 0x0043, &ProductInfo{Label: "Arduino Uno"})
	db.AddProduct(0x2341, 0x0001, &ProductInfo{Label: "Arduino Uno"})
	db.AddProduct(0x2341, 0x0010, &ProductInfo{Label: "Arduino Mega 2560"})

	db.AddVendor(0x2E8A, &VendorInfo{Name: "Raspberry Pi"})
	db.AddProduct(0x2E8A, 0x0005, &ProductInfo{Label: "Raspberry Pi Pico"})
}

// IdentifyBoard returns the label for an exact vendor/product pair, or
// model.UnknownBoardLabel.
func (db *BoardDatabase) IdentifyBoard(vendorID, productID uint16) string {
	vendor, ok := db.vendors[gousb.ID(vendorID)]
	if !ok {
		return model.UnknownBoardLabel
	}
	product := vendor.GetProductInfo(gousb.ID(productID))
	if product == nil {
		return model.UnknownBoardLabel
	}
	return product.Label
}

// Profile returns the label together with its board family
func (db *BoardDatabase) Profile(vendorID, productID uint16) model.BoardProfile {
	label := db.IdentifyBoard(vendorID, productID)
	return model.BoardProfile{
		Label:  label,
		Family: model.FamilyFromLabel(label),
	}
}

// IsKnownVendor reports whether any board in the table uses vendorID
func (db *BoardDatabase) IsKnownVendor(vendorID uint16) bool {
	_, exists := db.vendors[gousb.ID(vendorID)]
	return exists
}

// GetProductInfo retrieves product information from vendor
func (vi *VendorInfo) GetProductInfo(productID gousb.ID) *ProductInfo {
	return vi.products[productID]
}

// GetTotalProductCount returns total number of known products
func (db *BoardDatabase) GetTotalProductCount() int {
	total := 0
	for _, vendor := range db.vendors {
		total += len(vendor.products)
	}
	return total
}

// AddVendor adds a new vendor to the database
func (db *BoardDatabase) AddVendor(vendorID gousb.ID, info *VendorInfo) {
	if info.products == nil {
		info.products = make(map[gousb.ID]*ProductInfo)
	}
	db.vendors[vendorID] = info
}

// AddProduct adds a new product to an existing vendor
func (db *BoardDatabase) AddProduct(vendorID, productID gousb.ID, info *ProductInfo) {
	if vendor, exists := db.vendors[vendorID]; exists {
		vendor.products[productID] = info
	}
}

// FormatID renders an identifier the way the board table is keyed: 0x plus
// four uppercase hex digits.
func FormatID(id uint16) string {
	return fmt.Sprintf("0x%04X", id)
}
