package orderwire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// cached partitions served when the backend is unreachable

const (
	cachePartitionMenuItems  = "menuItems"
	cachePartitionCategories = "categories"
	cachePartitionSettings   = "settings"
)

const settingsKey = "appSettings"

const metaLastSyncTime = "last_sync_time"

func (self *LocalStore) PutMenuItems(menuItems []*MenuItem) error {
	keys := make([]string, len(menuItems))
	records := make([]string, len(menuItems))
	for i, menuItem := range menuItems {
		recordBytes, err := json.Marshal(menuItem)
		if err != nil {
			return err
		}
		keys[i] = cacheKey(menuItem.Id, i)
		records[i] = string(recordBytes)
	}
	return self.replacePartition(cachePartitionMenuItems, keys, records)
}

func (self *LocalStore) MenuItems() ([]*MenuItem, error) {
	records, err := self.partitionRecords(cachePartitionMenuItems)
	if err != nil {
		return nil, err
	}
	menuItems := []*MenuItem{}
	for _, record := range records {
		menuItem := &MenuItem{}
		if err := json.Unmarshal([]byte(record), menuItem); err != nil {
			return nil, err
		}
		menuItems = append(menuItems, menuItem)
	}
	return menuItems, nil
}

func (self *LocalStore) PutCategories(categories []*Category) error {
	keys := make([]string, len(categories))
	records := make([]string, len(categories))
	for i, category := range categories {
		recordBytes, err := json.Marshal(category)
		if err != nil {
			return err
		}
		keys[i] = cacheKey(category.Id, i)
		records[i] = string(recordBytes)
	}
	return self.replacePartition(cachePartitionCategories, keys, records)
}

func (self *LocalStore) Categories() ([]*Category, error) {
	records, err := self.partitionRecords(cachePartitionCategories)
	if err != nil {
		return nil, err
	}
	categories := []*Category{}
	for _, record := range records {
		category := &Category{}
		if err := json.Unmarshal([]byte(record), category); err != nil {
			return nil, err
		}
		categories = append(categories, category)
	}
	return categories, nil
}

func (self *LocalStore) PutSettings(settings *AppSettings) error {
	recordBytes, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return self.replacePartition(
		cachePartitionSettings,
		[]string{settingsKey},
		[]string{string(recordBytes)},
	)
}

// nil when no settings have been cached yet
func (self *LocalStore) Settings() (*AppSettings, error) {
	records, err := self.partitionRecords(cachePartitionSettings)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	settings := &AppSettings{}
	if err := json.Unmarshal([]byte(records[0]), settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// the sync cursor is observability only, never used for conflict resolution
func (self *LocalStore) SetLastSyncTime(lastSyncTime time.Time) error {
	return self.setMeta(metaLastSyncTime, strconv.FormatInt(lastSyncTime.UnixMilli(), 10))
}

func (self *LocalStore) LastSyncTime() (time.Time, bool, error) {
	value, ok, err := self.meta(metaLastSyncTime)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(millis), true, nil
}

// records seeded locally may not have a server-assigned id yet
func cacheKey(id string, position int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("_local_%d", position)
}
