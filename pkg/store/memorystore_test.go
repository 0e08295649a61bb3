package store

import (
	"testing"
)

const (
	KEY1           = "run:1"
	KEY2           = "job:1:test-ubuntu-latest-py3.13-fast"
	VALUE1         = "running"
	VALUE2         = "success"
	NEWVALUE       = "cancelled"
	NONEXISTINGKEY = "run:12345"
)

func TestSet(t *testing.T) {
	memStore := NewMemStore()

	err := memStore.Set(KEY1, VALUE1)
	if err != nil {
		t.Error(err, "could not set key")
	}

	err = memStore.Set(KEY1, VALUE2)
	if err != ErrKeyExists {
		t.Error("did not return the key exists error")
	}
}

func TestGet(t *testing.T) {
	memStore := NewMemStore()

	err := memStore.Set(KEY2, VALUE2)
	if err != nil {
		t.Error(err, "could not set key")
	}

	val, err := memStore.Get(KEY2)
	if err != nil {
		t.Error(err)
	}
	if val.(string) != VALUE2 {
		t.Errorf("retrieved value not the same, expected %s got %s", VALUE2, val.(string))
	}
}

func TestGetNonExistingKey(t *testing.T) {
	memStore := NewMemStore()

	_, err := memStore.Get(NONEXISTINGKEY)
	if err != ErrKeyDoesntExist {
		t.Error("did not return key doesn't exist error")
	}
}

func TestStoresAreIndependent(t *testing.T) {
	first := NewMemStore()
	if err := first.Set(KEY1, VALUE1); err != nil {
		t.Error(err)
	}

	second := NewMemStore()
	if _, err := second.Get(KEY1); err != ErrKeyDoesntExist {
		t.Error("a fresh store must not see another store's keys")
	}
}

func TestDelete(t *testing.T) {
	memStore := NewMemStore()

	if err := memStore.Set(KEY2, VALUE2); err != nil {
		t.Error(err)
	}
	if err := memStore.Delete(KEY2); err != nil {
		t.Error(err)
	}
	_, err := memStore.Get(KEY2)
	if err != ErrKeyDoesntExist {
		t.Error("delete did not remove the key")
	}
}

func TestUpdate(t *testing.T) {
	memStore := NewMemStore()

	if err := memStore.Set(KEY1, VALUE1); err != nil {
		t.Error(err)
	}
	if err := memStore.Update(KEY1, NEWVALUE); err != nil {
		t.Error(err)
	}
	val, err := memStore.Get(KEY1)
	if err != nil {
		t.Error(err)
	}
	if val.(string) != NEWVALUE {
		t.Errorf("expected %s, got %s", NEWVALUE, val.(string))
	}
}

func TestUpdateNonExistingKey(t *testing.T) {
	memStore := NewMemStore()

	if err := memStore.Update(NONEXISTINGKEY, NEWVALUE); err != ErrKeyDoesntExist {
		t.Error("update must not create keys")
	}
}
