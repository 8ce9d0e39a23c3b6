package dex

// ---------------------------------------------------------------------------
// Builder: programmatic construction of DexFile instances
// ---------------------------------------------------------------------------

// Builder assembles a DexFile in memory. Ids are interned so repeated
// references share pool entries, matching the on-disk format's dedup.
type Builder struct {
	file DexFile

	stringIdx map[string]uint32
	typeIdx   map[string]uint32
	protoIdx  map[string]uint32
	methodIdx map[methodKey]uint32
	fieldIdx  map[fieldKey]uint32
}

type methodKey struct {
	classIdx uint32
	protoIdx uint32
	nameIdx  uint32
}

type fieldKey struct {
	classIdx uint32
	typeIdx  uint32
	nameIdx  uint32
}

// NewBuilder starts a builder for a file at the given location.
func NewBuilder(location string) *Builder {
	return &Builder{
		file:      DexFile{Location: location},
		stringIdx: make(map[string]uint32),
		typeIdx:   make(map[string]uint32),
		protoIdx:  make(map[string]uint32),
		methodIdx: make(map[methodKey]uint32),
		fieldIdx:  make(map[fieldKey]uint32),
	}
}

// String interns a string and returns its pool index.
func (b *Builder) String(s string) uint32 {
	if idx, ok := b.stringIdx[s]; ok {
		return idx
	}
	idx := uint32(len(b.file.Strings))
	b.file.Strings = append(b.file.Strings, s)
	b.stringIdx[s] = idx
	return idx
}

// Type interns a type descriptor and returns its type index.
func (b *Builder) Type(descriptor string) uint32 {
	if idx, ok := b.typeIdx[descriptor]; ok {
		return idx
	}
	idx := uint32(len(b.file.Types))
	b.file.Types = append(b.file.Types, TypeId{DescriptorIdx: b.String(descriptor)})
	b.typeIdx[descriptor] = idx
	return idx
}

// Proto interns a signature. The shorty's first character is the return
// type; parameter descriptors follow in order.
func (b *Builder) Proto(shorty string, returnDescriptor string, paramDescriptors ...string) uint32 {
	key := shorty + "|" + returnDescriptor
	for _, p := range paramDescriptors {
		key += "|" + p
	}
	if idx, ok := b.protoIdx[key]; ok {
		return idx
	}
	params := make([]uint32, len(paramDescriptors))
	for i, p := range paramDescriptors {
		params[i] = b.Type(p)
	}
	idx := uint32(len(b.file.Protos))
	b.file.Protos = append(b.file.Protos, ProtoId{
		Shorty:        shorty,
		ReturnTypeIdx: b.Type(returnDescriptor),
		ParamTypeIdxs: params,
	})
	b.protoIdx[key] = idx
	return idx
}

// Method interns a method id and returns its index.
func (b *Builder) Method(classDescriptor, name string, protoIdx uint32) uint32 {
	key := methodKey{b.Type(classDescriptor), protoIdx, b.String(name)}
	if idx, ok := b.methodIdx[key]; ok {
		return idx
	}
	idx := uint32(len(b.file.Methods))
	b.file.Methods = append(b.file.Methods, MethodId{
		ClassIdx: key.classIdx,
		ProtoIdx: key.protoIdx,
		NameIdx:  key.nameIdx,
	})
	b.methodIdx[key] = idx
	return idx
}

// Field interns a field id and returns its index.
func (b *Builder) Field(classDescriptor, typeDescriptor, name string) uint32 {
	key := fieldKey{b.Type(classDescriptor), b.Type(typeDescriptor), b.String(name)}
	if idx, ok := b.fieldIdx[key]; ok {
		return idx
	}
	idx := uint32(len(b.file.Fields))
	b.file.Fields = append(b.file.Fields, FieldId{
		ClassIdx: key.classIdx,
		TypeIdx:  key.typeIdx,
		NameIdx:  key.nameIdx,
	})
	b.fieldIdx[key] = idx
	return idx
}

// ClassBuilder accumulates one class definition.
type ClassBuilder struct {
	b   *Builder
	def ClassDef
}

// Class starts a class definition. superDescriptor may be empty for the
// root class.
func (b *Builder) Class(descriptor, superDescriptor string, accessFlags uint32) *ClassBuilder {
	def := ClassDef{
		ClassIdx:      b.Type(descriptor),
		AccessFlags:   accessFlags,
		SuperclassIdx: NoIndex,
	}
	if superDescriptor != "" {
		def.SuperclassIdx = b.Type(superDescriptor)
	}
	return &ClassBuilder{b: b, def: def}
}

// Interface adds an implemented interface.
func (c *ClassBuilder) Interface(descriptor string) *ClassBuilder {
	c.def.InterfaceIdxs = append(c.def.InterfaceIdxs, c.b.Type(descriptor))
	return c
}

// StaticField declares a static field with an encoded initial value.
func (c *ClassBuilder) StaticField(name, typeDescriptor string, value EncodedValue) *ClassBuilder {
	desc := c.b.file.StringAt(c.b.file.Types[c.def.ClassIdx].DescriptorIdx)
	c.def.StaticFields = append(c.def.StaticFields, c.b.Field(desc, typeDescriptor, name))
	c.def.StaticValues = append(c.def.StaticValues, value)
	return c
}

// DirectMethod adds a direct (static/private/constructor) method.
func (c *ClassBuilder) DirectMethod(m EncodedMethod) *ClassBuilder {
	c.def.DirectMethods = append(c.def.DirectMethods, m)
	return c
}

// VirtualMethod adds a virtual method.
func (c *ClassBuilder) VirtualMethod(m EncodedMethod) *ClassBuilder {
	c.def.VirtualMethods = append(c.def.VirtualMethods, m)
	return c
}

// Done commits the class definition to the builder.
func (c *ClassBuilder) Done() *Builder {
	c.b.file.ClassDefs = append(c.b.file.ClassDefs, c.def)
	return c.b
}

// Build finalizes and returns the DexFile. The builder must not be reused.
func (b *Builder) Build() *DexFile {
	b.file.seal()
	return &b.file
}
