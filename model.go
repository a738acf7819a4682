package orderwire

import (
	"time"
)

// domain records synchronized between devices. record ids are assigned by
// the backend-of-record; each id is unique within its collection.

type CollectionName string

const (
	CollectionMenuItems    CollectionName = "menuItems"
	CollectionCategories   CollectionName = "categories"
	CollectionOrders       CollectionName = "orders"
	CollectionBills        CollectionName = "bills"
	CollectionCustomers    CollectionName = "customers"
	CollectionStaff        CollectionName = "staff"
	CollectionSettings     CollectionName = "settings"
	CollectionExpenses     CollectionName = "expenses"
	CollectionWaiterCalls  CollectionName = "waiterCalls"
	CollectionTransactions CollectionName = "transactions"
)

type MenuItem struct {
	Id          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Price       float64  `json:"price"`
	CategoryId  string   `json:"categoryId,omitempty"`
	ImageUrl    string   `json:"imageUrl,omitempty"`
	Available   bool     `json:"available"`
	Variations  []string `json:"variations,omitempty"`
}

type Category struct {
	Id       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Position int    `json:"position,omitempty"`
}

type OrderItem struct {
	MenuItemId string   `json:"menuItemId"`
	Name       string   `json:"name"`
	Quantity   int      `json:"quantity"`
	Price      float64  `json:"price"`
	Notes      string   `json:"notes,omitempty"`
	Modifiers  []string `json:"modifiers,omitempty"`
}

type Order struct {
	Id        string       `json:"id,omitempty"`
	TableId   string       `json:"tableId,omitempty"`
	Items     []*OrderItem `json:"items"`
	Status    string       `json:"status"`
	Total     float64      `json:"total"`
	Notes     string       `json:"notes,omitempty"`
	CreatedAt time.Time    `json:"createdAt,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt,omitempty"`
}

type Bill struct {
	Id         string    `json:"id,omitempty"`
	OrderId    string    `json:"orderId"`
	TableId    string    `json:"tableId,omitempty"`
	CustomerId string    `json:"customerId,omitempty"`
	Subtotal   float64   `json:"subtotal"`
	Tax        float64   `json:"tax"`
	Total      float64   `json:"total"`
	Paid       bool      `json:"paid"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

type Customer struct {
	Id     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	Visits int    `json:"visits,omitempty"`
}

type Staff struct {
	Id     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Pin    string `json:"pin,omitempty"`
	Active bool   `json:"active"`
}

// singleton collection, keyed "appSettings" in the local store
type AppSettings struct {
	RestaurantName string  `json:"restaurantName,omitempty"`
	Currency       string  `json:"currency,omitempty"`
	TaxRate        float64 `json:"taxRate,omitempty"`
	TableCount     int     `json:"tableCount,omitempty"`
	Theme          string  `json:"theme,omitempty"`
}

type Expense struct {
	Id          string    `json:"id,omitempty"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	Category    string    `json:"category,omitempty"`
	IncurredAt  time.Time `json:"incurredAt,omitempty"`
}

type WaiterCall struct {
	Id        string    `json:"id,omitempty"`
	TableId   string    `json:"tableId"`
	Reason    string    `json:"reason,omitempty"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type Transaction struct {
	Id        string    `json:"id,omitempty"`
	BillId    string    `json:"billId"`
	Amount    float64   `json:"amount"`
	Method    string    `json:"method"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}
