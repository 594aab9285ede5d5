package lwm2m

import (
	"errors"
	"sync"
	"testing"
)

func allObjects() []*Object {
	return []*Object{
		NewDevice("dev-1-Warsaw"),
		NewLocation(52.23, 21.01),
		NewTemperature(),
		NewAirQuality(),
	}
}

func TestReadAfterResetIsNotPresent(t *testing.T) {
	for _, obj := range allObjects() {
		t.Run(obj.Name(), func(t *testing.T) {
			if err := obj.ResetInstance(DefaultInstance); err != nil {
				t.Fatalf("ResetInstance: %v", err)
			}
			for _, def := range obj.Schema().Resources {
				_, err := obj.Read(DefaultInstance, def.ID)
				if !errors.Is(err, ErrValueNotPresent) {
					t.Errorf("Read(%d) error = %v, want ErrValueNotPresent", def.ID, err)
				}
			}
			infos, err := obj.Resources(DefaultInstance)
			if err != nil {
				t.Fatalf("Resources: %v", err)
			}
			for _, info := range infos {
				if info.Present {
					t.Errorf("resource %d still present after reset", info.ID)
				}
			}
		})
	}
}

func TestReadUndeclaredResource(t *testing.T) {
	temp := NewTemperature()
	if err := temp.Set(DefaultInstance, RIDTemperatureValue, Float(21.5)); err != nil {
		t.Fatal(err)
	}

	for _, obj := range append(allObjects(), temp) {
		for _, rid := range []ResourceID{2, 42, 5702, 65535} {
			_, err := obj.Read(DefaultInstance, rid)
			if !errors.Is(err, ErrResourceNotFound) {
				t.Errorf("%s: Read(%d) error = %v, want ErrResourceNotFound", obj.Name(), rid, err)
			}
		}
	}
}

func TestResourcesAscendingWithPresence(t *testing.T) {
	obj := NewObject(Schema{
		OID: 9999,
		Resources: []ResourceDef{
			{ID: 7, Kind: KindString},
			{ID: 2, Kind: KindFloat},
			{ID: 5, Kind: KindFloat},
		},
	})
	if err := obj.Set(DefaultInstance, 5, Float(1)); err != nil {
		t.Fatal(err)
	}

	infos, err := obj.Resources(DefaultInstance)
	if err != nil {
		t.Fatal(err)
	}
	want := []ResourceInfo{
		{ID: 2, Ops: OpRead, Present: false},
		{ID: 5, Ops: OpRead, Present: true},
		{ID: 7, Ops: OpRead, Present: false},
	}
	if len(infos) != len(want) {
		t.Fatalf("got %d resources, want %d", len(infos), len(want))
	}
	for i := range want {
		if infos[i] != want[i] {
			t.Errorf("resource[%d] = %+v, want %+v", i, infos[i], want[i])
		}
	}
}

func TestInstances(t *testing.T) {
	for _, obj := range allObjects() {
		ids := obj.Instances()
		if len(ids) != 1 || ids[0] != DefaultInstance {
			t.Errorf("%s: Instances() = %v, want [1]", obj.Name(), ids)
		}
	}

	obj := NewAirQuality()
	if _, err := obj.Read(2, RIDAirQualityPM10); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Read on missing instance: %v", err)
	}
	if err := obj.ResetInstance(2); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("ResetInstance on missing instance: %v", err)
	}
}

func TestStaticConstructors(t *testing.T) {
	dev := NewDevice("agent-7-Oslo")
	v, err := dev.Read(DefaultInstance, RIDDeviceModelNumber)
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := v.AsString(); !ok || s != "agent-7-Oslo" {
		t.Errorf("model number = %v", v)
	}

	loc := NewLocation(59.91, 10.75)
	lat, _ := loc.Read(DefaultInstance, RIDLocationLatitude)
	lon, _ := loc.Read(DefaultInstance, RIDLocationLongitude)
	if f, _ := lat.AsFloat(); f != 59.91 {
		t.Errorf("latitude = %v", lat)
	}
	if f, _ := lon.AsFloat(); f != 10.75 {
		t.Errorf("longitude = %v", lon)
	}
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	obj := NewTemperature()
	err := obj.Update(DefaultInstance, func(tx *Tx) error {
		if err := tx.Set(RIDTemperatureValue, Float(10)); err != nil {
			return err
		}
		return tx.Set(RIDTemperatureUnits, Float(1))
	})
	if !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("Update error = %v, want ErrKindMismatch", err)
	}
	if _, err := obj.Read(DefaultInstance, RIDTemperatureValue); !errors.Is(err, ErrValueNotPresent) {
		t.Errorf("partial batch was applied: %v", err)
	}
}

func TestConcurrentReadDuringUpdate(t *testing.T) {
	obj := NewAirQuality()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			f := float64(i)
			_ = obj.Update(DefaultInstance, func(tx *Tx) error {
				_ = tx.Set(RIDAirQualityPM10, Float(f))
				return tx.Set(RIDAirQualityPM25, Float(f))
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap, err := obj.Snapshot(DefaultInstance)
			if err != nil {
				t.Error(err)
				return
			}
			if len(snap.Values) == 0 {
				continue
			}
			if snap.Values[RIDAirQualityPM10] != snap.Values[RIDAirQualityPM25] {
				t.Errorf("torn batch observed: %v", snap.Values)
				return
			}
		}
	}()
	wg.Wait()
}

func TestNewObjectPanicsOnDuplicateResource(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewObject(Schema{OID: 1, Resources: []ResourceDef{{ID: 1, Kind: KindFloat}, {ID: 1, Kind: KindFloat}}})
}
