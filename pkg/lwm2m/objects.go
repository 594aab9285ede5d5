package lwm2m

// Object and resource ids from the OMA LwM2M registry.
const (
	OIDDevice      ObjectID = 3
	OIDLocation    ObjectID = 6
	OIDTemperature ObjectID = 3303
	OIDAirQuality  ObjectID = 3428

	RIDDeviceModelNumber ResourceID = 1

	RIDLocationLatitude  ResourceID = 0
	RIDLocationLongitude ResourceID = 1

	RIDTemperatureValue ResourceID = 5700
	RIDTemperatureUnits ResourceID = 5701

	RIDAirQualityPM10 ResourceID = 1
	RIDAirQualityPM25 ResourceID = 3
)

// DefaultInstance is the id of the single instance every object here has.
const DefaultInstance InstanceID = 1

var (
	DeviceSchema = Schema{
		Name: "Device",
		OID:  OIDDevice,
		Resources: []ResourceDef{
			{ID: RIDDeviceModelNumber, Name: "Model Number", Kind: KindString, Ops: OpRead},
		},
	}

	LocationSchema = Schema{
		Name: "Location",
		OID:  OIDLocation,
		Resources: []ResourceDef{
			{ID: RIDLocationLatitude, Name: "Latitude", Kind: KindFloat, Ops: OpRead},
			{ID: RIDLocationLongitude, Name: "Longitude", Kind: KindFloat, Ops: OpRead},
		},
	}

	TemperatureSchema = Schema{
		Name: "Temperature",
		OID:  OIDTemperature,
		Resources: []ResourceDef{
			{ID: RIDTemperatureValue, Name: "Sensor Value", Kind: KindFloat, Ops: OpRead},
			{ID: RIDTemperatureUnits, Name: "Sensor Units", Kind: KindString, Ops: OpRead},
		},
	}

	AirQualitySchema = Schema{
		Name: "Air Quality",
		OID:  OIDAirQuality,
		Resources: []ResourceDef{
			{ID: RIDAirQualityPM10, Name: "PM10", Kind: KindFloat, Ops: OpRead},
			{ID: RIDAirQualityPM25, Name: "PM2.5", Kind: KindFloat, Ops: OpRead},
		},
	}
)

// NewDevice returns a Device object with its model number set.
func NewDevice(modelNumber string) *Object {
	o := NewObject(DeviceSchema)
	mustSet(o, RIDDeviceModelNumber, String(modelNumber))
	return o
}

// NewLocation returns a Location object with its coordinates set.
func NewLocation(lat, lon float64) *Object {
	o := NewObject(LocationSchema)
	mustSet(o, RIDLocationLatitude, Float(lat))
	mustSet(o, RIDLocationLongitude, Float(lon))
	return o
}

// NewTemperature returns an empty Temperature object.
func NewTemperature() *Object { return NewObject(TemperatureSchema) }

// NewAirQuality returns an empty Air Quality object.
func NewAirQuality() *Object { return NewObject(AirQualitySchema) }

func mustSet(o *Object, rid ResourceID, v Value) {
	if err := o.Set(DefaultInstance, rid, v); err != nil {
		panic(err)
	}
}
